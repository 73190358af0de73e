package e2e

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/scheduler"
	"github.com/stepflow-io/stepflow/internal/steps"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// --- Multi-engine helpers ---

// newSharedStore opens a store meant to be shared by several engines, the
// way separate processes share one database file.
func newSharedStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newEngineOn builds an engine with the full builtin registry over an
// existing store.
func newEngineOn(t *testing.T, s *store.LibSQLStore, cfg engine.Config) *engine.Engine {
	t.Helper()

	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, validator, steps.HTTPConfig{}, steps.FileConfig{}))

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	eng, err := engine.New(reg, engine.NewDurableBackend(s, 50*time.Millisecond), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

func awaitOn(t *testing.T, eng *engine.Engine, execID string) *schema.ExecutionSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := eng.Await(ctx, execID)
	require.NoError(t, err)
	return snap
}

func waitForWaiting(t *testing.T, eng *engine.Engine, execID, stepID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := eng.Status(context.Background(), execID)
		if err != nil {
			return false
		}
		res := snap.StepResults[stepID]
		return snap.Status == schema.ExecutionStatusWaiting &&
			res != nil && res.Status == schema.StepStatusWaiting
	}, 10*time.Second, 10*time.Millisecond)
}

func startedCounts(t *testing.T, s *store.LibSQLStore, execID string) map[string]int {
	t.Helper()
	events, err := s.GetEvents(context.Background(), execID, 0)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, ev := range events {
		if ev.Type == schema.EventStepStarted {
			counts[ev.StepID]++
		}
	}
	return counts
}

// --- Scenarios ---

// 1. Cross-process resume: the run lives in engine A, the operator's answer
// arrives through engine B. B resolves the approval in the shared store and
// A's poll injects it.
func TestCrossProcessResume(t *testing.T) {
	s := newSharedStore(t)
	engA := newEngineOn(t, s, engine.Config{})
	engB := newEngineOn(t, s, engine.Config{})
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		ID: "remote-release",
		Steps: []schema.StepDefinition{
			{
				ID: "gate", Type: "approval",
				Config: json.RawMessage(`{"prompt": "Promote build {{build}}?", "options": ["promote", "hold"]}`),
				InputMapping: map[string]string{"build": "trigger.build"},
			},
			{
				ID: "announce", Type: "echo",
				Dependencies: []string{"gate"},
				InputMapping: map[string]string{"decision": "gate.decision"},
			},
		},
		ExecutionPattern: schema.PatternSequential,
	}

	execID, err := engA.Start(ctx, def, map[string]any{"build": "77"})
	require.NoError(t, err)
	waitForWaiting(t, engA, execID, "gate")

	// B has no live handle for this run; its resume goes through the store.
	err = engB.Resume(ctx, execID, "gate", map[string]any{
		"decision":    "promote",
		"resolved_by": "remote-operator",
	})
	require.NoError(t, err)

	snap := awaitOn(t, engA, execID)
	require.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	assert.Equal(t, "promote", outputOf(snap, "gate")["decision"])
	assert.Equal(t, "promote", outputOf(snap, "announce")["decision"])

	ap, err := s.GetApproval(ctx, store.ApprovalID(execID, "gate"))
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalResolved, ap.Status)
	assert.Equal(t, "remote-operator", ap.ResolvedBy)

	// Both engines see the settled run through the shared store.
	fromB, err := engB.Status(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, fromB.Status)

	events, err := s.GetEvents(ctx, execID, 0)
	require.NoError(t, err)
	var sawResolved, sawInjected bool
	for _, ev := range events {
		switch ev.Type {
		case schema.EventApprovalResolved:
			sawResolved = true
		case schema.EventInputInjected:
			sawInjected = true
		}
	}
	assert.True(t, sawResolved, "B records the resolution")
	assert.True(t, sawInjected, "A's poll injects the payload")
}

// 2. Restart: a process dies while a run waits on an approval; the next
// process recovers the run without re-executing the completed steps.
func TestRestartPreservesCompletedSteps(t *testing.T) {
	s := newSharedStore(t)
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		ID: "release-train",
		Steps: []schema.StepDefinition{
			{ID: "build", Type: "echo", Parameters: json.RawMessage(`{"artifact": "build-77"}`)},
			{ID: "lint", Type: "echo", Parameters: json.RawMessage(`{"clean": true}`)},
			{
				ID: "gate", Type: "approval",
				Dependencies: []string{"build", "lint"},
				Config:       json.RawMessage(`{"prompt": "Promote {{artifact}}?"}`),
				InputMapping: map[string]string{"artifact": "build.artifact"},
			},
			{
				ID: "publish", Type: "echo",
				Dependencies: []string{"gate"},
				InputMapping: map[string]string{"decision": "gate.decision"},
			},
		},
		ExecutionPattern: schema.PatternDAG,
	}

	engA := newEngineOn(t, s, engine.Config{})
	execID, err := engA.Start(ctx, def, nil)
	require.NoError(t, err)
	waitForWaiting(t, engA, execID, "gate")

	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	require.NoError(t, engA.Shutdown(shutCtx))
	cancel()

	// The interrupted run is still waiting in the store, not failed.
	ex, err := s.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusWaiting, ex.Status)

	engB := newEngineOn(t, s, engine.Config{})
	recovered, err := engB.Recover(ctx)
	require.NoError(t, err)
	require.Contains(t, recovered, execID)

	snap, err := engB.Status(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusWaiting, snap.Status)
	assert.Equal(t, schema.StepStatusCompleted, stepStatus(snap, "build"))
	assert.Equal(t, schema.StepStatusCompleted, stepStatus(snap, "lint"))
	assert.Equal(t, schema.StepStatusWaiting, stepStatus(snap, "gate"))

	require.Eventually(t, func() bool {
		return engB.Resume(ctx, execID, "gate", map[string]any{"decision": "approved"}) == nil
	}, 10*time.Second, 10*time.Millisecond)

	final := awaitOn(t, engB, execID)
	require.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, "approved", outputOf(final, "publish")["decision"])

	// Steps completed before the restart ran exactly once.
	counts := startedCounts(t, s, execID)
	assert.Equal(t, 1, counts["build"])
	assert.Equal(t, 1, counts["lint"])
	assert.Equal(t, 1, counts["publish"])
}

// 3. Scheduler recovery fires a job whose next run passed while the process
// was down, against a real engine, and advances the job row.
func TestSchedulerFiresMissedJob(t *testing.T) {
	s := newSharedStore(t)
	eng := newEngineOn(t, s, engine.Config{})
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		ID: "nightly-report",
		Steps: []schema.StepDefinition{
			{ID: "report", Type: "echo", InputMapping: map[string]string{"day": "trigger.day"}},
		},
	}
	_, err := s.PutDefinition(ctx, &store.DefinitionRecord{
		Name:       "nightly-report",
		Definition: rawJSON(def),
	})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-nightly",
		DefinitionName: "nightly-report",
		CronExpr:       "0 3 * * *",
		TriggerData:    map[string]any{"day": "monday"},
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched := scheduler.NewScheduler(s, eng, slog.New(slog.DiscardHandler))
	require.NoError(t, sched.RecoverMissed(ctx))

	var execID string
	require.Eventually(t, func() bool {
		execs, err := s.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "nightly-report"})
		if err != nil || len(execs) != 1 {
			return false
		}
		execID = execs[0].ID
		return execs[0].Status == schema.ExecutionStatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	snap, err := eng.Status(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, "monday", outputOf(snap, "report")["day"])

	// The run's log records its scheduled provenance.
	events, err := s.GetEvents(ctx, execID, 0)
	require.NoError(t, err)
	sawTrigger := false
	for _, ev := range events {
		if ev.Type == schema.EventScheduleTriggered {
			sawTrigger = true
			assert.Contains(t, string(ev.Payload), "job-nightly")
		}
	}
	assert.True(t, sawTrigger)

	job, err := s.GetScheduledJob(ctx, "job-nightly")
	require.NoError(t, err)
	assert.Equal(t, "success", job.LastStatus)
	require.NotNil(t, job.LastRunAt)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()), "next run moved into the future")
}

// 4. A job naming a definition nobody registered marks the job errored and
// still advances it, so the broken job does not fire on every tick.
func TestSchedulerMarksBrokenJob(t *testing.T) {
	s := newSharedStore(t)
	eng := newEngineOn(t, s, engine.Config{})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-ghost",
		DefinitionName: "no-such-definition",
		CronExpr:       "*/5 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched := scheduler.NewScheduler(s, eng, slog.New(slog.DiscardHandler))
	require.NoError(t, sched.RecoverMissed(ctx))

	job, err := s.GetScheduledJob(ctx, "job-ghost")
	require.NoError(t, err)
	assert.Equal(t, "error", job.LastStatus)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(past))

	execs, err := s.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs, "no run was started")
}
