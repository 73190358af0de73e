package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

const tickInterval = 60 * time.Second

// RunStarter is the interface the scheduler uses to launch workflow runs.
// Satisfied by the engine.
type RunStarter interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, trigger map[string]any) (string, error)
}

// Scheduler polls the store for due scheduled jobs and starts the named
// definitions they reference. A job fires at most once per tick even when
// a run outlives the tick interval.
type Scheduler struct {
	store   store.Store
	starter RunStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, starter RunStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.store.ListScheduledJobs(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(job.ID)
		}
	}
}

// runJob starts one run of the job's definition and advances the job row.
// The next-run timestamp advances even when the start fails, so a broken
// definition does not fire on every tick.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("definition", job.DefinitionName),
	)

	execID, err := s.startRun(ctx, job)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed to start",
			slog.String("job_id", job.ID),
			slog.String("definition", job.DefinitionName),
			slog.String("error", err.Error()),
		)
	} else {
		s.recordTrigger(ctx, execID, job)
	}

	return s.advanceJob(ctx, job, now, status)
}

func (s *Scheduler) startRun(ctx context.Context, job *store.ScheduledJob) (string, error) {
	rec, err := s.store.GetDefinition(ctx, job.DefinitionName, 0)
	if err != nil {
		return "", fmt.Errorf("load definition %q: %w", job.DefinitionName, err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(rec.Definition, &def); err != nil {
		return "", fmt.Errorf("definition %q v%d: %w", rec.Name, rec.Version, err)
	}
	return s.starter.Start(ctx, &def, job.TriggerData)
}

// recordTrigger marks the run's provenance in its event log.
func (s *Scheduler) recordTrigger(ctx context.Context, execID string, job *store.ScheduledJob) {
	payload, _ := json.Marshal(map[string]any{
		"job_id":          job.ID,
		"definition_name": job.DefinitionName,
		"cron_expr":       job.CronExpr,
	})
	err := s.store.AppendEvent(ctx, &store.Event{
		ExecutionID: execID,
		Type:        schema.EventScheduleTriggered,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to record schedule trigger",
			slog.String("job_id", job.ID),
			slog.String("execution_id", execID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) advanceJob(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.JobUpdate{
		LastRunAt:  &now,
		NextRunAt:  &nextRun,
		LastStatus: &status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs every enabled job whose next_run_at passed while the
// process was down, once each. Call it at boot before Start.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	jobs, err := s.store.ListScheduledJobs(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to recover missed job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				s.release(job.ID)
				continue
			}
			s.release(job.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
