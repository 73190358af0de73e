package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu     sync.Mutex
	jobs   map[string]*store.ScheduledJob
	defs   map[string]*store.DefinitionRecord
	events []*store.Event
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{
		jobs: make(map[string]*store.ScheduledJob),
		defs: make(map[string]*store.DefinitionRecord),
	}
}

func (m *mockSchedulerStore) putDefinition(name string, def string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[name] = &store.DefinitionRecord{Name: name, Version: 1, Definition: json.RawMessage(def)}
}

func (m *mockSchedulerStore) GetDefinition(_ context.Context, name string, _ int) (*store.DefinitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.defs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", name)
	}
	return rec, nil
}

func (m *mockSchedulerStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockSchedulerStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledJob(_ context.Context, id string, update store.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastStatus != nil {
		j.LastStatus = *update.LastStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledJobs(_ context.Context, enabledOnly bool) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if enabledOnly && !j.Enabled {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockSchedulerStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// mockStarter tracks Start calls.
type mockStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	WorkflowID string
	Trigger    map[string]any
}

func (r *mockStarter) Start(_ context.Context, def *schema.WorkflowDefinition, trigger map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.calls = append(r.calls, startCall{WorkflowID: def.ID, Trigger: trigger})
	return fmt.Sprintf("exec-%d", len(r.calls)), nil
}

func (r *mockStarter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

const reportDef = `{"workflow_id":"nightly-report","steps":[{"step_id":"collect","step_type":"echo"}]}`

func newTestScheduler(s store.Store, starter RunStarter) *Scheduler {
	return NewScheduler(s, starter, slog.New(slog.DiscardHandler))
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockStarter{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("nightly-report", reportDef)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-1",
		DefinitionName: "nightly-report",
		CronExpr:       "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	assert.Equal(t, "nightly-report", starter.calls[0].WorkflowID)

	got, err := ms.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastStatus)

	// The new run's log carries the schedule provenance.
	require.Equal(t, 1, ms.eventCount())
	assert.Equal(t, schema.EventScheduleTriggered, ms.events[0].Type)
	assert.Equal(t, "exec-1", ms.events[0].ExecutionID)
}

func TestTickSkipsNotDueJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("nightly-report", reportDef)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-future",
		DefinitionName: "nightly-report",
		CronExpr:       "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("cleanup", `{"workflow_id":"cleanup","steps":[{"step_id":"sweep","step_type":"echo"}]}`)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-missed",
		DefinitionName: "cleanup",
		CronExpr:       "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, starter.callCount())

	got, err := ms.GetScheduledJob(ctx, "job-missed")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDisabledJobsSkipped(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("nightly-report", reportDef)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-disabled",
		DefinitionName: "nightly-report",
		CronExpr:       "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
}

func TestTriggerDataPassedThrough(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("nightly-report", reportDef)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-trigger",
		DefinitionName: "nightly-report",
		CronExpr:       "*/15 * * * *",
		TriggerData:    map[string]any{"env": "staging"},
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	assert.Equal(t, "staging", starter.calls[0].Trigger["env"])

	got, err := ms.GetScheduledJob(ctx, "job-trigger")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestStartFailureMarksError(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("nightly-report", reportDef)
	starter := &mockStarter{err: assert.AnError}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-fail",
		DefinitionName: "nightly-report",
		CronExpr:       "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, err := ms.GetScheduledJob(ctx, "job-fail")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastStatus)
	assert.NotNil(t, got.NextRunAt, "broken jobs still advance, not refire every tick")
	assert.Equal(t, 0, ms.eventCount())
}

func TestMissingDefinitionMarksError(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-orphan",
		DefinitionName: "deleted-definition",
		CronExpr:       "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
	got, err := ms.GetScheduledJob(ctx, "job-orphan")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastStatus)
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockStarter{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again is a no-op.
	require.NoError(t, sched.Stop())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("nightly-report", reportDef)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()

	// Nil NextRunAt counts as overdue.
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-nil-next",
		DefinitionName: "nightly-report",
		CronExpr:       "0 * * * *",
		Enabled:        true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, starter.callCount())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("nightly-report", reportDef)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-dedup",
		DefinitionName: "nightly-report",
		CronExpr:       "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	// Pre-acquire the job to simulate an in-flight tick.
	require.True(t, sched.tryAcquire("job-dedup"))

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	sched.release("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("nightly-report", reportDef)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-release",
		DefinitionName: "nightly-report",
		CronExpr:       "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	// Make the job due again; the inflight mark must be gone.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateScheduledJob(ctx, "job-release", store.JobUpdate{NextRunAt: &past2}))

	sched.tick(ctx)
	assert.Equal(t, 2, starter.callCount())
}

func TestMultipleJobsSomeDue(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.putDefinition("alpha", `{"workflow_id":"alpha","steps":[{"step_id":"a","step_type":"echo"}]}`)
	ms.putDefinition("beta", `{"workflow_id":"beta","steps":[{"step_id":"b","step_type":"echo"}]}`)
	ms.putDefinition("gamma", `{"workflow_id":"gamma","steps":[{"step_id":"c","step_type":"echo"}]}`)
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "due-1", DefinitionName: "alpha", CronExpr: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "not-due", DefinitionName: "beta", CronExpr: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "due-2", DefinitionName: "gamma", CronExpr: "0 * * * *", Enabled: true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 2, starter.callCount())
	starter.mu.Lock()
	names := make([]string, len(starter.calls))
	for i, c := range starter.calls {
		names[i] = c.WorkflowID
	}
	starter.mu.Unlock()
	assert.Contains(t, names, "alpha")
	assert.Contains(t, names, "gamma")
	assert.NotContains(t, names, "beta")
}
