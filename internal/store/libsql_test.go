package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedExecution(t *testing.T, s *LibSQLStore) *Execution {
	t.Helper()
	ex := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: "wf-test",
		Name:       "test-run",
		Definition: json.RawMessage(`{"id":"wf-test","steps":[{"id":"s1","type":"echo"}]}`),
		Status:     schema.ExecutionStatusPending,
	}
	require.NoError(t, s.CreateExecution(context.Background(), ex))
	return ex
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := &Execution{
		ID:          uuid.New().String(),
		WorkflowID:  "order-pipeline",
		Name:        "nightly run",
		Definition:  json.RawMessage(`{"id":"order-pipeline","steps":[{"id":"fetch","type":"http_request"}]}`),
		Status:      schema.ExecutionStatusPending,
		TriggerData: map[string]any{"region": "eu-west-1"},
	}
	require.NoError(t, s.CreateExecution(ctx, ex))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ex.ID, got.ID)
	assert.Equal(t, "order-pipeline", got.WorkflowID)
	assert.Equal(t, "nightly run", got.Name)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	assert.Equal(t, "eu-west-1", got.TriggerData["region"])
	assert.JSONEq(t, string(ex.Definition), string(got.Definition))
}

func TestGetExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "nonexistent")
	require.Error(t, err)
	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestUpdateExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	running := schema.ExecutionStatusRunning
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	failed := schema.ExecutionStatusFailed
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status:      &failed,
		Error:       json.RawMessage(`{"code":"EXECUTION","message":"boom"}`),
		CompletedAt: &now,
	}))

	got, err = s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.JSONEq(t, `{"code":"EXECUTION","message":"boom"}`, string(got.Error))
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	running := schema.ExecutionStatusRunning
	err := s.UpdateExecution(context.Background(), "nope", ExecutionUpdate{Status: &running})
	require.Error(t, err)
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ex := &Execution{
			ID:         uuid.New().String(),
			WorkflowID: "wf-a",
			Definition: json.RawMessage(`{"id":"wf-a","steps":[]}`),
			Status:     schema.ExecutionStatusPending,
		}
		require.NoError(t, s.CreateExecution(ctx, ex))
	}
	other := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: "wf-b",
		Definition: json.RawMessage(`{"id":"wf-b","steps":[]}`),
		Status:     schema.ExecutionStatusCompleted,
	}
	require.NoError(t, s.CreateExecution(ctx, other))

	list, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 4)

	list, err = s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.ListExecutions(ctx, ExecutionFilter{Status: schema.ExecutionStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-a", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDeleteExecution_CleansDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{
		ExecutionID: ex.ID, StepID: "s1", Type: schema.EventStepStarted,
	}))
	require.NoError(t, s.UpsertStepState(ctx, &StepState{
		ExecutionID: ex.ID, StepID: "s1", Status: schema.StepStatusRunning,
	}))
	require.NoError(t, s.CreateApproval(ctx, &Approval{
		ExecutionID: ex.ID, StepID: "s1", Prompt: "ok?",
	}))

	require.NoError(t, s.DeleteExecution(ctx, ex.ID))

	_, err := s.GetExecution(ctx, ex.ID)
	require.Error(t, err)

	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	states, err := s.ListStepStates(ctx, ex.ID)
	require.NoError(t, err)
	assert.Empty(t, states)

	approvals, err := s.ListApprovals(ctx, ApprovalFilter{ExecutionID: ex.ID})
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

// --- Event Tests ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	for i := 0; i < 3; i++ {
		e := &Event{
			ExecutionID: ex.ID,
			StepID:      "s1",
			Type:        schema.EventStepStarted,
			Payload:     json.RawMessage(fmt.Sprintf(`{"attempt":%d}`, i)),
		}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)

	events, err = s.GetEvents(ctx, ex.ID, 2)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestSequencesAreIndependentPerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex1 := seedExecution(t, s)
	ex2 := seedExecution(t, s)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: ex1.ID, Type: schema.EventStepStarted, StepID: "s1"}))
	}
	e := &Event{ExecutionID: ex2.ID, Type: schema.EventStepStarted, StepID: "s1"}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{
		ExecutionID: ex.ID, StepID: "s1", Type: schema.EventStepStarted,
	}))
	require.NoError(t, s.AppendEvent(ctx, &Event{
		ExecutionID: ex.ID, StepID: "s1", Type: schema.EventStepCompleted,
	}))

	events, err := s.GetEventsByType(ctx, schema.EventStepStarted, EventFilter{ExecutionID: ex.ID})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
}

// --- Step State Tests ---

func TestUpsertAndGetStepState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	ss := &StepState{
		ExecutionID: ex.ID,
		StepID:      "s1",
		Status:      schema.StepStatusPending,
	}
	require.NoError(t, s.UpsertStepState(ctx, ss))

	got, err := s.GetStepState(ctx, ex.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPending, got.Status)

	now := time.Now().UTC()
	ss.Status = schema.StepStatusCompleted
	ss.Output = json.RawMessage(`{"echo":"hi"}`)
	ss.StartedAt = &now
	ss.CompletedAt = &now
	ss.RetryCount = 2
	require.NoError(t, s.UpsertStepState(ctx, ss))

	got, err = s.GetStepState(ctx, ex.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.JSONEq(t, `{"echo":"hi"}`, string(got.Output))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestGetStepState_NotFound(t *testing.T) {
	s := newTestStore(t)
	ex := seedExecution(t, s)
	_, err := s.GetStepState(context.Background(), ex.ID, "missing")
	require.Error(t, err)
}

func TestListStepStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	require.NoError(t, s.UpsertStepState(ctx, &StepState{ExecutionID: ex.ID, StepID: "s1", Status: schema.StepStatusCompleted}))
	require.NoError(t, s.UpsertStepState(ctx, &StepState{ExecutionID: ex.ID, StepID: "s2", Status: schema.StepStatusRunning}))

	states, err := s.ListStepStates(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "s1", states[0].StepID)
	assert.Equal(t, "s2", states[1].StepID)
}

// --- Approval Tests ---

func TestCreateAndResolveApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	ap := &Approval{
		ExecutionID: ex.ID,
		StepID:      "gate",
		Prompt:      "Deploy to production?",
		Options:     json.RawMessage(`["approved","denied"]`),
	}
	require.NoError(t, s.CreateApproval(ctx, ap))
	assert.Equal(t, ApprovalID(ex.ID, "gate"), ap.ID)

	got, err := s.GetApproval(ctx, ap.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, got.Status)
	assert.Equal(t, "Deploy to production?", got.Prompt)

	require.NoError(t, s.ResolveApproval(ctx, ap.ID, []byte(`{"decision":"approved"}`), "alice"))

	got, err = s.GetApproval(ctx, ap.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalResolved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	assert.JSONEq(t, `{"decision":"approved"}`, string(got.Payload))
	assert.NotNil(t, got.ResolvedAt)
}

func TestResolveApproval_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	ap := &Approval{ExecutionID: ex.ID, StepID: "gate"}
	require.NoError(t, s.CreateApproval(ctx, ap))
	require.NoError(t, s.ResolveApproval(ctx, ap.ID, []byte(`{"decision":"approved"}`), ""))

	err := s.ResolveApproval(ctx, ap.ID, []byte(`{"decision":"denied"}`), "")
	require.Error(t, err)
}

func TestCancelApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	ap := &Approval{ExecutionID: ex.ID, StepID: "gate"}
	require.NoError(t, s.CreateApproval(ctx, ap))
	require.NoError(t, s.CancelApproval(ctx, ap.ID))

	got, err := s.GetApproval(ctx, ap.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalCancelled, got.Status)
}

func TestExpireApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	expired := &Approval{ExecutionID: ex.ID, StepID: "old-gate", TimeoutAt: &past}
	require.NoError(t, s.CreateApproval(ctx, expired))
	alive := &Approval{ExecutionID: ex.ID, StepID: "new-gate", TimeoutAt: &future}
	require.NoError(t, s.CreateApproval(ctx, alive))

	out, err := s.ExpireApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, expired.ID, out[0].ID)
	assert.Equal(t, ApprovalTimedOut, out[0].Status)

	got, err := s.GetApproval(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, got.Status)
}

func TestListApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	a1 := &Approval{ExecutionID: ex.ID, StepID: "g1"}
	a2 := &Approval{ExecutionID: ex.ID, StepID: "g2"}
	require.NoError(t, s.CreateApproval(ctx, a1))
	require.NoError(t, s.CreateApproval(ctx, a2))
	require.NoError(t, s.ResolveApproval(ctx, a1.ID, []byte(`{}`), ""))

	pending, err := s.ListApprovals(ctx, ApprovalFilter{ExecutionID: ex.ID, Status: ApprovalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "g2", pending[0].StepID)

	all, err := s.ListApprovals(ctx, ApprovalFilter{ExecutionID: ex.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Definition Tests ---

func TestPutDefinition_AssignsVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := json.RawMessage(`{"id":"deploy","steps":[{"id":"build","type":"echo"}]}`)

	v1, err := s.PutDefinition(ctx, &DefinitionRecord{Name: "deploy", Definition: def})
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := s.PutDefinition(ctx, &DefinitionRecord{Name: "deploy", Definition: def, Description: "second"})
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	// Version 0 resolves to the latest.
	got, err := s.GetDefinition(ctx, "deploy", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "second", got.Description)

	got, err = s.GetDefinition(ctx, "deploy", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestGetDefinition_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDefinition(context.Background(), "ghost", 0)
	require.Error(t, err)
}

func TestListDefinitions_LatestOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := json.RawMessage(`{"id":"x","steps":[]}`)
	_, err := s.PutDefinition(ctx, &DefinitionRecord{Name: "alpha", Definition: def})
	require.NoError(t, err)
	_, err = s.PutDefinition(ctx, &DefinitionRecord{Name: "alpha", Definition: def})
	require.NoError(t, err)
	_, err = s.PutDefinition(ctx, &DefinitionRecord{Name: "beta", Definition: def})
	require.NoError(t, err)

	list, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, 2, list[0].Version)
	assert.Equal(t, "beta", list[1].Name)
	assert.Equal(t, 1, list[1].Version)
}

func TestDeleteDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := json.RawMessage(`{"id":"x","steps":[]}`)
	_, err := s.PutDefinition(ctx, &DefinitionRecord{Name: "gone", Definition: def})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDefinition(ctx, "gone"))
	_, err = s.GetDefinition(ctx, "gone", 0)
	require.Error(t, err)
}

// --- Scheduled Job Tests ---

func TestCreateAndGetScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             uuid.New().String(),
		DefinitionName: "nightly-report",
		CronExpr:       "0 2 * * *",
		TriggerData:    map[string]any{"scope": "full"},
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", got.DefinitionName)
	assert.Equal(t, "0 2 * * *", got.CronExpr)
	assert.True(t, got.Enabled)
	assert.Equal(t, "full", got.TriggerData["scope"])
}

func TestUpdateScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             uuid.New().String(),
		DefinitionName: "report",
		CronExpr:       "@hourly",
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	disabled := false
	now := time.Now().UTC()
	status := "completed"
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, JobUpdate{
		Enabled:    &disabled,
		LastRunAt:  &now,
		LastStatus: &status,
	}))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, "completed", got.LastStatus)
}

func TestListScheduledJobs_EnabledOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
		ID: "on", DefinitionName: "a", CronExpr: "@daily", Enabled: true,
	}))
	require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
		ID: "off", DefinitionName: "b", CronExpr: "@daily", Enabled: false,
	}))

	jobs, err := s.ListScheduledJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "on", jobs[0].ID)

	jobs, err = s.ListScheduledJobs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDeleteScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
		ID: "tmp", DefinitionName: "a", CronExpr: "@daily", Enabled: true,
	}))
	require.NoError(t, s.DeleteScheduledJob(ctx, "tmp"))
	_, err := s.GetScheduledJob(ctx, "tmp")
	require.Error(t, err)
}

// --- Migration Tests ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Migrate was already called in newTestStore; calling again should be a no-op.
	require.NoError(t, s.Migrate(ctx))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
