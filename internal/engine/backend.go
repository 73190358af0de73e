package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// RunEvent is one entry in a run's event history, in engine-native form.
// Durable backends serialize it; the local backend retains it as-is.
type RunEvent struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ApprovalOutcome is the lifecycle state of an approval request.
type ApprovalOutcome string

const (
	ApprovalOutcomePending   ApprovalOutcome = "pending"
	ApprovalOutcomeResolved  ApprovalOutcome = "resolved"
	ApprovalOutcomeCancelled ApprovalOutcome = "cancelled"
	ApprovalOutcomeTimedOut  ApprovalOutcome = "timed_out"
)

// ApprovalRecord is the engine's request for human input: what to ask, the
// accepted options, and the deadline.
type ApprovalRecord struct {
	ID          string
	ExecutionID string
	StepID      string
	Prompt      string
	Options     []string
	Metadata    map[string]any
	TimeoutAt   *time.Time
}

// ApprovalView is a backend's current view of one approval.
type ApprovalView struct {
	Record     ApprovalRecord
	Outcome    ApprovalOutcome
	Payload    map[string]any
	ResolvedBy string
}

// Backend is the durability adapter behind the engine loop. The local
// variant retains run state in process memory with no crash recovery; the
// durable variant records every event, step result, and status change so a
// run can be rebuilt and resumed after a restart.
//
// The engine calls RecordStep for every dispatch outcome, including retries
// that later succeed, so a replay never re-computes a finished step.
type Backend interface {
	// BeginRun persists the initial run state and its definition snapshot.
	BeginRun(ctx context.Context, snap *schema.ExecutionSnapshot, def *schema.WorkflowDefinition) error

	// RecordEvent appends one event to the run's history.
	RecordEvent(ctx context.Context, ev RunEvent) error

	// ListEvents returns the run's recorded history in append order.
	ListEvents(ctx context.Context, executionID string) ([]RunEvent, error)

	// RecordStep persists a step outcome.
	RecordStep(ctx context.Context, executionID string, res *schema.StepResult) error

	// RecordStatus persists a run status change, with the fatal error when
	// the run failed.
	RecordStatus(ctx context.Context, executionID string, status schema.ExecutionStatus, runErr *schema.FlowError) error

	// LoadRun rebuilds the run state and definition for an execution.
	LoadRun(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, *schema.WorkflowDefinition, error)

	// ListActive returns executions whose status is not terminal, for
	// recovery after a restart.
	ListActive(ctx context.Context) ([]string, error)

	// CreateApproval registers a pending approval request.
	CreateApproval(ctx context.Context, rec ApprovalRecord) error

	// ResolveApproval marks a pending approval resolved with a payload.
	// Resolving a non-pending approval is an error.
	ResolveApproval(ctx context.Context, id string, payload map[string]any, resolvedBy string) error

	// CancelApproval marks a pending approval cancelled.
	CancelApproval(ctx context.Context, id string) error

	// ExpireApproval marks a pending approval timed out once its deadline
	// passes.
	ExpireApproval(ctx context.Context, id string) error

	// FetchApproval returns the current view of an approval.
	FetchApproval(ctx context.Context, id string) (*ApprovalView, error)

	// PollInterval is how often a suspended run re-checks the backend for
	// an out-of-process approval resolution. Zero disables polling; the
	// local backend resolves in process and wakes the loop directly.
	PollInterval() time.Duration
}

// ApprovalID builds the deterministic approval key for a step suspension.
// One waiting step has at most one live approval.
func ApprovalID(executionID, stepID string) string {
	return executionID + "_" + stepID
}

// LocalBackend keeps run state in memory. Runs do not survive a process
// restart; everything else behaves like the durable variant, which keeps
// the engine loop identical across both.
type LocalBackend struct {
	mu        sync.RWMutex
	runs      map[string]*localRun
	events    map[string][]RunEvent
	approvals map[string]*ApprovalView
}

type localRun struct {
	snap *schema.ExecutionSnapshot
	def  *schema.WorkflowDefinition
}

// NewLocalBackend creates an empty in-memory backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		runs:      make(map[string]*localRun),
		events:    make(map[string][]RunEvent),
		approvals: make(map[string]*ApprovalView),
	}
}

func (b *LocalBackend) BeginRun(_ context.Context, snap *schema.ExecutionSnapshot, def *schema.WorkflowDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs[snap.ExecutionID] = &localRun{snap: snap, def: def}
	return nil
}

func (b *LocalBackend) RecordEvent(_ context.Context, ev RunEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[ev.ExecutionID] = append(b.events[ev.ExecutionID], ev)
	return nil
}

func (b *LocalBackend) RecordStep(_ context.Context, executionID string, res *schema.StepResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[executionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", executionID)
	}
	if run.snap.StepResults == nil {
		run.snap.StepResults = make(map[string]*schema.StepResult)
	}
	run.snap.StepResults[res.StepID] = res
	if res.Status == schema.StepStatusCompleted {
		run.snap.CompletedSteps = appendUnique(run.snap.CompletedSteps, res.StepID)
	}
	return nil
}

func (b *LocalBackend) RecordStatus(_ context.Context, executionID string, status schema.ExecutionStatus, _ *schema.FlowError) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[executionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", executionID)
	}
	run.snap.Status = status
	return nil
}

func (b *LocalBackend) LoadRun(_ context.Context, executionID string) (*schema.ExecutionSnapshot, *schema.WorkflowDefinition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	run, ok := b.runs[executionID]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", executionID)
	}
	return run.snap, run.def, nil
}

func (b *LocalBackend) ListActive(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for id, run := range b.runs {
		if !run.snap.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (b *LocalBackend) CreateApproval(_ context.Context, rec ApprovalRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approvals[rec.ID] = &ApprovalView{Record: rec, Outcome: ApprovalOutcomePending}
	return nil
}

func (b *LocalBackend) ResolveApproval(_ context.Context, id string, payload map[string]any, resolvedBy string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	view, ok := b.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "approval not found: %s", id)
	}
	if view.Outcome != ApprovalOutcomePending {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s already %s", id, view.Outcome)
	}
	view.Outcome = ApprovalOutcomeResolved
	view.Payload = payload
	view.ResolvedBy = resolvedBy
	return nil
}

func (b *LocalBackend) CancelApproval(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	view, ok := b.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "approval not found: %s", id)
	}
	if view.Outcome != ApprovalOutcomePending {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s already %s", id, view.Outcome)
	}
	view.Outcome = ApprovalOutcomeCancelled
	return nil
}

func (b *LocalBackend) ExpireApproval(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	view, ok := b.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "approval not found: %s", id)
	}
	if view.Outcome != ApprovalOutcomePending {
		return nil
	}
	view.Outcome = ApprovalOutcomeTimedOut
	return nil
}

func (b *LocalBackend) FetchApproval(_ context.Context, id string) (*ApprovalView, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	view, ok := b.approvals[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "approval not found: %s", id)
	}
	cp := *view
	return &cp, nil
}

func (b *LocalBackend) PollInterval() time.Duration { return 0 }

func (b *LocalBackend) ListEvents(_ context.Context, executionID string) ([]RunEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	evs := b.events[executionID]
	out := make([]RunEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

var _ Backend = (*LocalBackend)(nil)
