package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// DefaultPollInterval is how often a durable run loop checks the store for
// approvals resolved by another process.
const DefaultPollInterval = 2 * time.Second

// DurableBackend persists run state in libSQL. The event log is the source
// of truth for step state; executions, step_states, and approvals are
// materialized views kept in step with it. Runs backed by it survive a
// process restart via Engine.Recover.
type DurableBackend struct {
	store        *store.LibSQLStore
	log          *store.EventLog
	pollInterval time.Duration
}

// NewDurableBackend wraps an opened store. pollInterval <= 0 uses the
// default.
func NewDurableBackend(s *store.LibSQLStore, pollInterval time.Duration) *DurableBackend {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &DurableBackend{
		store:        s,
		log:          store.NewEventLog(s),
		pollInterval: pollInterval,
	}
}

// Store exposes the underlying store for operational queries.
func (b *DurableBackend) Store() *store.LibSQLStore { return b.store }

func (b *DurableBackend) PollInterval() time.Duration { return b.pollInterval }

func (b *DurableBackend) BeginRun(ctx context.Context, snap *schema.ExecutionSnapshot, def *schema.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal definition: %v", err).WithCause(err)
	}
	startedAt := snap.StartedAt
	return b.store.CreateExecution(ctx, &store.Execution{
		ID:          snap.ExecutionID,
		WorkflowID:  snap.WorkflowID,
		Name:        def.Name,
		Definition:  raw,
		Status:      snap.Status,
		TriggerData: snap.TriggerData,
		CreatedAt:   snap.StartedAt,
		StartedAt:   &startedAt,
	})
}

func (b *DurableBackend) RecordEvent(ctx context.Context, ev RunEvent) error {
	var payload json.RawMessage
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal event payload: %v", err).WithCause(err)
		}
		payload = raw
	}
	return b.log.AppendEvent(ctx, &store.Event{
		ExecutionID: ev.ExecutionID,
		StepID:      ev.StepID,
		Type:        ev.Type,
		Payload:     payload,
		Timestamp:   ev.Timestamp,
	})
}

func (b *DurableBackend) ListEvents(ctx context.Context, executionID string) ([]RunEvent, error) {
	stored, err := b.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	events := make([]RunEvent, 0, len(stored))
	for _, ev := range stored {
		events = append(events, RunEvent{
			ExecutionID: ev.ExecutionID,
			StepID:      ev.StepID,
			Type:        ev.Type,
			Payload:     unmarshalMap(ev.Payload),
			Timestamp:   ev.Timestamp,
		})
	}
	return events, nil
}

func (b *DurableBackend) RecordStep(ctx context.Context, executionID string, res *schema.StepResult) error {
	state := &store.StepState{
		ExecutionID: executionID,
		StepID:      res.StepID,
		Status:      res.Status,
		RetryCount:  res.RetryCount,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
		DurationMs:  res.ExecutionTimeMs,
	}
	if len(res.OutputData) > 0 {
		raw, err := json.Marshal(res.OutputData)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal step output: %v", err).WithCause(err)
		}
		state.Output = raw
	}
	if res.Error != nil {
		raw, err := json.Marshal(res.Error)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal step error: %v", err).WithCause(err)
		}
		state.Error = raw
	}
	return b.store.UpsertStepState(ctx, state)
}

func (b *DurableBackend) RecordStatus(ctx context.Context, executionID string, status schema.ExecutionStatus, runErr *schema.FlowError) error {
	update := store.ExecutionUpdate{Status: &status}
	if runErr != nil {
		raw, err := json.Marshal(runErr)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal run error: %v", err).WithCause(err)
		}
		update.Error = raw
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	return b.store.UpdateExecution(ctx, executionID, update)
}

// LoadRun rebuilds the snapshot by replaying the execution's event log.
func (b *DurableBackend) LoadRun(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, *schema.WorkflowDefinition, error) {
	row, err := b.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	states, err := b.log.ReplayEvents(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(row.Definition, &def); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore,
			"execution %s: unmarshal definition: %v", executionID, err).WithCause(err)
	}

	snap := &schema.ExecutionSnapshot{
		ExecutionID: row.ID,
		WorkflowID:  row.WorkflowID,
		Status:      row.Status,
		StepResults: make(map[string]*schema.StepResult, len(states)),
		StepIOData:  make(map[string]map[string]any),
		TriggerData: row.TriggerData,
		StartedAt:   row.CreatedAt,
		CompletedAt: row.CompletedAt,
	}
	if row.StartedAt != nil {
		snap.StartedAt = *row.StartedAt
	}

	for stepID, ss := range states {
		res := &schema.StepResult{
			StepID:          stepID,
			Status:          ss.Status,
			OutputData:      unmarshalMap(ss.Output),
			RetryCount:      ss.RetryCount,
			ExecutionTimeMs: ss.DurationMs,
			StartedAt:       ss.StartedAt,
			CompletedAt:     ss.CompletedAt,
		}
		if len(ss.Error) > 0 {
			var ferr schema.FlowError
			if err := json.Unmarshal(ss.Error, &ferr); err == nil {
				res.Error = &ferr
			}
		}
		snap.StepResults[stepID] = res
		if ss.Status == schema.StepStatusCompleted {
			snap.CompletedSteps = append(snap.CompletedSteps, stepID)
		}
		if input := unmarshalMap(ss.Input); input != nil {
			snap.StepIOData[stepID] = input
		}
	}
	return snap, &def, nil
}

func (b *DurableBackend) ListActive(ctx context.Context) ([]string, error) {
	var ids []string
	for _, status := range []schema.ExecutionStatus{
		schema.ExecutionStatusPending,
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusWaiting,
	} {
		rows, err := b.store.ListExecutions(ctx, store.ExecutionFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
	}
	return ids, nil
}

func (b *DurableBackend) CreateApproval(ctx context.Context, rec ApprovalRecord) error {
	ap := &store.Approval{
		ID:          rec.ID,
		ExecutionID: rec.ExecutionID,
		StepID:      rec.StepID,
		Prompt:      rec.Prompt,
		TimeoutAt:   rec.TimeoutAt,
	}
	if len(rec.Options) > 0 {
		raw, err := json.Marshal(rec.Options)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal approval options: %v", err).WithCause(err)
		}
		ap.Options = raw
	}
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal approval metadata: %v", err).WithCause(err)
		}
		ap.Metadata = raw
	}
	return b.store.CreateApproval(ctx, ap)
}

func (b *DurableBackend) ResolveApproval(ctx context.Context, id string, payload map[string]any, resolvedBy string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal approval payload: %v", err).WithCause(err)
	}
	if err := b.store.ResolveApproval(ctx, id, raw, resolvedBy); err != nil {
		return b.approvalConflict(ctx, id, err)
	}
	return nil
}

func (b *DurableBackend) CancelApproval(ctx context.Context, id string) error {
	if err := b.store.CancelApproval(ctx, id); err != nil {
		return b.approvalConflict(ctx, id, err)
	}
	return nil
}

// approvalConflict turns the store's guarded-update miss into a precise
// error: CONFLICT when the approval exists but already settled, NOT_FOUND
// when it never existed.
func (b *DurableBackend) approvalConflict(ctx context.Context, id string, err error) error {
	ap, getErr := b.store.GetApproval(ctx, id)
	if getErr != nil {
		return err
	}
	if ap.Status != store.ApprovalPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s already %s", id, ap.Status)
	}
	return err
}

// ExpireApproval is idempotent: a missing or already settled approval is
// not an error. The store sweeps every due approval in one pass.
func (b *DurableBackend) ExpireApproval(ctx context.Context, id string) error {
	ap, err := b.store.GetApproval(ctx, id)
	if err != nil {
		return nil
	}
	if ap.Status != store.ApprovalPending {
		return nil
	}
	_, err = b.store.ExpireApprovals(ctx)
	return err
}

func (b *DurableBackend) FetchApproval(ctx context.Context, id string) (*ApprovalView, error) {
	ap, err := b.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &ApprovalView{
		Record: ApprovalRecord{
			ID:          ap.ID,
			ExecutionID: ap.ExecutionID,
			StepID:      ap.StepID,
			Prompt:      ap.Prompt,
			Metadata:    unmarshalMap(ap.Metadata),
			TimeoutAt:   ap.TimeoutAt,
		},
		Outcome:    approvalOutcome(ap.Status),
		Payload:    unmarshalMap(ap.Payload),
		ResolvedBy: ap.ResolvedBy,
	}
	if len(ap.Options) > 0 {
		var options []string
		if err := json.Unmarshal(ap.Options, &options); err == nil {
			view.Record.Options = options
		}
	}
	return view, nil
}

func approvalOutcome(status store.ApprovalStatus) ApprovalOutcome {
	switch status {
	case store.ApprovalResolved:
		return ApprovalOutcomeResolved
	case store.ApprovalCancelled:
		return ApprovalOutcomeCancelled
	case store.ApprovalTimedOut:
		return ApprovalOutcomeTimedOut
	default:
		return ApprovalOutcomePending
	}
}

func unmarshalMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

var _ Backend = (*DurableBackend)(nil)
