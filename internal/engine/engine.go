package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/steps"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// DefaultPoolSize is the dispatch concurrency when the config leaves it unset.
const DefaultPoolSize = 8

// Config tunes an Engine.
type Config struct {
	// PoolSize caps concurrent step dispatches across all runs.
	PoolSize int
	// DefaultStepTimeout applies to steps without timeout_seconds.
	DefaultStepTimeout time.Duration
	// Backoff shapes retry delays.
	Backoff BackoffPolicy
	// CircuitBreaker configures the per-step-type breakers.
	CircuitBreaker CircuitBreakerConfig
	// PreserveUnresolved keeps unresolved template placeholders literal.
	PreserveUnresolved bool
	// Logger receives engine logs; nil uses slog.Default.
	Logger *slog.Logger
}

// EventHook observes every run event after it is recorded. Hooks run on the
// emitting goroutine and must not block.
type EventHook func(ev RunEvent)

// Engine drives workflow runs: it validates definitions, resolves step
// order, dispatches executors through the worker pool, and settles each run
// into a terminal status. One Engine serves many concurrent runs over a
// single Backend.
type Engine struct {
	registry   *steps.Registry
	validator  *validation.WorkflowValidator
	dispatcher *Dispatcher
	breakers   *CircuitBreakerRegistry
	pool       *WorkerPool
	backend    Backend
	cel        *expressions.CELEngine
	logger     *slog.Logger
	poolSize   int

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.RWMutex
	runs     map[string]*runHandle
	hooks    []EventHook
	shutdown bool
}

// New builds an Engine over a step registry and a durability backend.
func New(registry *steps.Registry, backend Backend, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "step registry is nil")
	}
	if backend == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "backend is nil")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker = DefaultCircuitBreakerConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	breakers := NewCircuitBreakerRegistry(cfg.CircuitBreaker)
	baseCtx, baseCancel := context.WithCancel(context.Background())

	e := &Engine{
		registry:   registry,
		validator:  validator,
		breakers:   breakers,
		pool:       NewWorkerPool(cfg.PoolSize),
		backend:    backend,
		cel:        cel,
		logger:     logger,
		poolSize:   cfg.PoolSize,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]*runHandle),
	}
	e.dispatcher = NewDispatcher(registry, breakers, DispatcherConfig{
		DefaultTimeout:     cfg.DefaultStepTimeout,
		Backoff:            cfg.Backoff,
		PreserveUnresolved: cfg.PreserveUnresolved,
	}, logger)

	breakers.OnStateChange(func(stepType string, from, to CircuitState) {
		e.notifyHooks(RunEvent{
			Type:      breakerEventType(to),
			Timestamp: time.Now().UTC(),
			Payload: map[string]any{
				"step_type": stepType,
				"from":      from.String(),
				"to":        to.String(),
			},
		})
	})

	return e, nil
}

func breakerEventType(to CircuitState) string {
	switch to {
	case CircuitOpen:
		return schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		return schema.EventCircuitBreakerHalfOpen
	default:
		return schema.EventCircuitBreakerClosed
	}
}

// Registry returns the step-type catalog.
func (e *Engine) Registry() *steps.Registry { return e.registry }

// Breakers returns the circuit breaker registry for diagnostics.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// PoolMetrics returns a snapshot of worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Validate runs the full validation pipeline without starting a run.
func (e *Engine) Validate(def *schema.WorkflowDefinition) error {
	return e.validator.ValidateDefinition(def)
}

// OnEvent registers a hook observing every recorded run event.
func (e *Engine) OnEvent(hook EventHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

func (e *Engine) notifyHooks(ev RunEvent) {
	e.mu.RLock()
	hooks := e.hooks
	e.mu.RUnlock()
	for _, hook := range hooks {
		hook(ev)
	}
}

// Start validates the definition and trigger payload, registers the run, and
// launches its loop. The returned execution ID is live immediately: Status,
// Resume, and Cancel accept it even before the first step dispatches.
func (e *Engine) Start(ctx context.Context, def *schema.WorkflowDefinition, trigger map[string]any) (string, error) {
	if e.isShutdown() {
		return "", schema.NewError(schema.ErrCodeConflict, "engine is shut down")
	}

	if err := e.validator.ValidateDefinition(def); err != nil {
		return "", err
	}
	if len(def.InputSchema) > 0 {
		if err := e.validator.ValidateInput(trigger, def.InputSchema); err != nil {
			return "", err
		}
	}
	dag, err := BuildDAG(def)
	if err != nil {
		return "", err
	}

	execCtx := schema.NewExecutionContext(def.ID, trigger)
	if err := e.backend.BeginRun(ctx, execCtx.Snapshot(), def); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "begin run: %v", err).WithCause(err)
	}

	h := e.register(execCtx, def, dag, 0)
	if h == nil {
		return "", schema.NewError(schema.ErrCodeConflict, "engine is shut down")
	}
	go e.execute(h)
	return execCtx.ExecutionID(), nil
}

// register builds the run handle and its context. elapsed discounts the
// workflow timeout on recovery, so a restart does not reset the clock.
func (e *Engine) register(execCtx *schema.ExecutionContext, def *schema.WorkflowDefinition, dag *DAG, elapsed time.Duration) *runHandle {
	runCtx := logging.WithIDs(e.baseCtx, execCtx.ExecutionID(), execCtx.WorkflowID(), "")
	var cancel context.CancelFunc
	if def.TimeoutSeconds > 0 {
		remaining := time.Duration(def.TimeoutSeconds)*time.Second - elapsed
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		runCtx, cancel = context.WithTimeout(runCtx, remaining)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	h := &runHandle{
		execCtx: execCtx,
		def:     def,
		dag:     dag,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	h.recorder = &runRecorder{engine: e, workflowID: execCtx.WorkflowID()}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		cancel()
		return nil
	}
	e.runs[execCtx.ExecutionID()] = h
	return h
}

func (e *Engine) handle(executionID string) *runHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[executionID]
}

// Status reports the run's current snapshot. Live runs answer from memory;
// anything else falls back to the backend.
func (e *Engine) Status(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	if h := e.handle(executionID); h != nil {
		return h.execCtx.Snapshot(), nil
	}
	snap, _, err := e.backend.LoadRun(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Events returns the run's recorded event history.
func (e *Engine) Events(ctx context.Context, executionID string) ([]RunEvent, error) {
	return e.backend.ListEvents(ctx, executionID)
}

// Await blocks until the run reaches a terminal status and returns its final
// snapshot.
func (e *Engine) Await(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	h := e.handle(executionID)
	if h == nil {
		snap, _, err := e.backend.LoadRun(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if snap.Status.IsTerminal() {
			return snap, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running in this process", executionID)
	}
	select {
	case <-h.done:
		return h.execCtx.Snapshot(), nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeTimeout, "await cancelled").WithCause(ctx.Err())
	}
}

// Resume delivers an external payload to a waiting step. The run must be
// live and the step must currently be waiting; anything else is an error so
// callers learn about misdirected resumes instead of silently losing them.
func (e *Engine) Resume(ctx context.Context, executionID, stepID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	resolvedBy, _ := payload["resolved_by"].(string)

	h := e.handle(executionID)
	if h == nil {
		// The run may belong to another process sharing a durable backend:
		// resolve the approval and let the owner's poll pick it up.
		snap, _, err := e.backend.LoadRun(ctx, executionID)
		if err != nil {
			return err
		}
		if snap.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", executionID, snap.Status)
		}
		if err := e.backend.ResolveApproval(ctx, ApprovalID(executionID, stepID), payload, resolvedBy); err != nil {
			return err
		}
		return e.backend.RecordEvent(ctx, RunEvent{
			ExecutionID: executionID,
			WorkflowID:  snap.WorkflowID,
			StepID:      stepID,
			Type:        schema.EventApprovalResolved,
			Payload:     map[string]any{"resolved_by": resolvedBy},
			Timestamp:   time.Now().UTC(),
		})
	}

	if status := h.execCtx.Status(); status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", executionID, status)
	}
	if _, known := h.dag.Steps[stepID]; !known {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step not found: %s", stepID)
	}
	if got := h.execCtx.StatusOf(stepID); got != schema.StepStatusWaiting {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %s is %s, not waiting", stepID, got)
	}

	if err := e.backend.ResolveApproval(ctx, ApprovalID(executionID, stepID), payload, resolvedBy); err != nil {
		return err
	}
	_ = h.recorder.RecordEvent(ctx, RunEvent{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        schema.EventApprovalResolved,
		Payload:     map[string]any{"resolved_by": resolvedBy},
	})

	h.execCtx.InjectInput(stepID, payload)
	_ = h.recorder.RecordEvent(ctx, RunEvent{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        schema.EventInputInjected,
		Payload:     payload,
	})
	h.enqueueResume(stepID)
	return nil
}

// Cancel requests cancellation of a run. Live runs settle asynchronously;
// Await observes the terminal state. A non-live, non-terminal run (an
// orphan from a crashed process) is marked cancelled directly in the
// backend.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	h := e.handle(executionID)
	if h == nil {
		snap, _, err := e.backend.LoadRun(ctx, executionID)
		if err != nil {
			return err
		}
		if snap.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", executionID, snap.Status)
		}
		if err := e.backend.RecordStatus(ctx, executionID, schema.ExecutionStatusCancelled, nil); err != nil {
			return err
		}
		return e.backend.RecordEvent(ctx, RunEvent{
			ExecutionID: executionID,
			WorkflowID:  snap.WorkflowID,
			Type:        schema.EventExecutionCancelled,
			Timestamp:   time.Now().UTC(),
		})
	}

	if status := h.execCtx.Status(); status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", executionID, status)
	}
	h.markCancelled()
	h.cancel()
	return nil
}

// CancelApproval withdraws a pending approval: the waiting step is skipped
// and the run proceeds without it.
func (e *Engine) CancelApproval(ctx context.Context, executionID, stepID string) error {
	if err := e.backend.CancelApproval(ctx, ApprovalID(executionID, stepID)); err != nil {
		return err
	}
	ev := RunEvent{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        schema.EventApprovalCancelled,
		Timestamp:   time.Now().UTC(),
	}
	if h := e.handle(executionID); h != nil {
		_ = h.recorder.RecordEvent(ctx, ev)
		h.enqueueSkip(stepID)
		return nil
	}
	return e.backend.RecordEvent(ctx, ev)
}

// Recover relaunches non-terminal runs found in the backend. Steps that
// were mid-dispatch when the process died are re-dispatched; completed and
// waiting steps keep their recorded state.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	ids, err := e.backend.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, id := range ids {
		if e.handle(id) != nil {
			continue
		}
		snap, def, err := e.backend.LoadRun(ctx, id)
		if err != nil {
			e.logger.Warn("skipping unrecoverable execution", slog.String("execution_id", id), slog.String("error", err.Error()))
			continue
		}
		if snap.Status.IsTerminal() {
			continue
		}
		dag, err := BuildDAG(def)
		if err != nil {
			ferr := asFlowError(err, "")
			_ = e.backend.RecordStatus(ctx, id, schema.ExecutionStatusFailed, ferr)
			e.logger.Error("recovered definition no longer valid", slog.String("execution_id", id), slog.String("error", ferr.Message))
			continue
		}

		// In-flight dispatches did not survive the crash; drop their results
		// so the loop re-dispatches them.
		for stepID, res := range snap.StepResults {
			if res.Status == schema.StepStatusRunning {
				delete(snap.StepResults, stepID)
			}
		}

		execCtx := schema.RestoreExecutionContext(snap)
		h := e.register(execCtx, def, dag, time.Since(snap.StartedAt))
		if h == nil {
			break
		}
		go e.execute(h)
		recovered = append(recovered, id)
		e.logger.Info("recovered execution",
			slog.String("execution_id", id),
			slog.String("workflow_id", snap.WorkflowID),
			slog.String("status", string(snap.Status)))
	}
	return recovered, nil
}

// Prune drops terminal run handles beyond keep, oldest first, so long-lived
// processes do not accumulate every finished run in memory. State already
// persisted in the backend stays queryable.
func (e *Engine) Prune(keep int) int {
	if keep < 0 {
		keep = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	type finished struct {
		id string
		at time.Time
	}
	var terminal []finished
	for id, h := range e.runs {
		if h.execCtx.Status().IsTerminal() {
			at := time.Now()
			if t := h.execCtx.CompletedAt(); t != nil {
				at = *t
			}
			terminal = append(terminal, finished{id, at})
		}
	}
	if len(terminal) <= keep {
		return 0
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].at.Before(terminal[j].at) })
	dropped := 0
	for _, f := range terminal[:len(terminal)-keep] {
		delete(e.runs, f.id)
		dropped++
	}
	return dropped
}

func (e *Engine) isShutdown() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shutdown
}

// Shutdown stops the engine. Live runs are interrupted without a terminal
// status write: on a durable backend they stay resumable via Recover. The
// call waits for run loops and in-flight dispatches up to the context
// deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	handles := make([]*runHandle, 0, len(e.runs))
	for _, h := range e.runs {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	e.baseCancel()
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeTimeout, "shutdown deadline exceeded").WithCause(ctx.Err())
		}
	}
	e.pool.Shutdown()
	return nil
}

// runHandle is the engine's live view of one run.
type runHandle struct {
	execCtx  *schema.ExecutionContext
	def      *schema.WorkflowDefinition
	dag      *DAG
	recorder *runRecorder
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}

	mu        sync.Mutex
	cancelled bool
	resumes   []string
	skips     []string
}

func (h *runHandle) markCancelled() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *runHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *runHandle) enqueueResume(stepID string) {
	h.mu.Lock()
	h.resumes = append(h.resumes, stepID)
	h.mu.Unlock()
	h.notify()
}

func (h *runHandle) enqueueSkip(stepID string) {
	h.mu.Lock()
	h.skips = append(h.skips, stepID)
	h.mu.Unlock()
	h.notify()
}

func (h *runHandle) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *runHandle) takeSignals() (resumes, skips []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resumes, h.resumes = h.resumes, nil
	skips, h.skips = h.skips, nil
	return resumes, skips
}

// runRecorder enriches events with run identity and a timestamp, persists
// them, and fans them out to hooks. The FSMs, dispatcher, and loop all emit
// through it.
type runRecorder struct {
	engine     *Engine
	workflowID string
}

func (r *runRecorder) RecordEvent(ctx context.Context, ev RunEvent) error {
	if ev.WorkflowID == "" {
		ev.WorkflowID = r.workflowID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	err := r.engine.backend.RecordEvent(ctx, ev)
	r.engine.notifyHooks(ev)
	return err
}

// execute runs one workflow to its terminal status.
func (e *Engine) execute(h *runHandle) {
	defer close(h.done)

	l := &runLoop{
		e:         e,
		h:         h,
		execCtx:   h.execCtx,
		dag:       h.dag,
		execID:    h.execCtx.ExecutionID(),
		runFSM:    NewRunFSM(h.recorder),
		stepFSM:   NewStepFSM(h.recorder),
		ctx:       h.ctx,
		pctx:      context.WithoutCancel(h.ctx),
		results:   make(chan *schema.StepResult, e.poolSize),
		inflight:  make(map[string]bool),
		deadlines: make(map[string]time.Time),
	}
	l.log = logging.LogWith(l.ctx, e.logger)
	l.run()
}

// runLoop is the single-goroutine scheduler for one run. All run state
// mutations happen on this goroutine; dispatched steps communicate back
// only through the results channel.
//
// Per-run dispatches never exceed the pool size, so a dispatch goroutine
// can always hand its result to the buffered channel without blocking,
// and the loop can always reach the channel to drain it.
type runLoop struct {
	e       *Engine
	h       *runHandle
	execCtx *schema.ExecutionContext
	dag     *DAG
	execID  string
	runFSM  *RunFSM
	stepFSM *StepFSM
	ctx     context.Context
	pctx    context.Context
	log     *slog.Logger

	results   chan *schema.StepResult
	inflight  map[string]bool
	backlog   []dispatchRequest
	deadlines map[string]time.Time
	fatal     *schema.FlowError
}

// dispatchRequest is a committed dispatch waiting for pool capacity:
// a fallback or a resumed step that arrived while the run was saturated.
type dispatchRequest struct {
	stepID string
	from   schema.StepStatus
}

func (l *runLoop) run() {
	// Recovered waits need their deadlines back.
	for _, stepID := range l.execCtx.WaitingSteps() {
		if view, err := l.e.backend.FetchApproval(l.pctx, ApprovalID(l.execID, stepID)); err == nil && view.Record.TimeoutAt != nil {
			l.deadlines[stepID] = *view.Record.TimeoutAt
		}
	}

	if l.execCtx.Status() == schema.ExecutionStatusPending {
		if err := l.runFSM.Transition(l.pctx, l.execID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning,
			map[string]any{"workflow_id": l.execCtx.WorkflowID()}); err != nil {
			l.fatal = asFlowError(err, "")
		}
		l.execCtx.SetStatus(schema.ExecutionStatusRunning)
		_ = l.e.backend.RecordStatus(l.pctx, l.execID, schema.ExecutionStatusRunning, nil)
		l.log.InfoContext(l.ctx, "run started",
			slog.String("pattern", string(l.dag.Pattern)),
			slog.Int("steps", len(l.dag.Steps)))
	}

	var pollC <-chan time.Time
	if iv := l.e.backend.PollInterval(); iv > 0 {
		ticker := time.NewTicker(iv)
		defer ticker.Stop()
		pollC = ticker.C
	}

	for {
		if l.ctx.Err() != nil || l.fatal != nil {
			l.finalizeInterrupted()
			return
		}

		for _, id := range l.dag.DeadSteps(l.execCtx, l.claimed()) {
			l.skipPending(id, "unreachable")
		}

		l.drainBacklog()
		if l.fatal != nil {
			continue
		}

		for _, id := range l.dag.ReadySteps(l.execCtx, l.claimed()) {
			if l.atCapacity() {
				break
			}
			pass, err := l.checkCondition(l.dag.Steps[id])
			if err != nil {
				l.fatal = asFlowError(err, id)
				break
			}
			if !pass {
				l.skipPending(id, "condition_false")
				continue
			}
			if err := l.start(id, schema.StepStatusPending); err != nil {
				l.fatal = asFlowError(err, id)
				break
			}
		}
		if l.fatal != nil {
			continue
		}

		resumes, skips := l.h.takeSignals()
		for _, id := range skips {
			l.skipWaiting(id)
		}
		for _, id := range resumes {
			l.redispatchWaiting(id)
		}
		if l.fatal != nil {
			continue
		}

		if len(l.inflight) == 0 {
			waiting := l.execCtx.WaitingSteps()
			if len(waiting) == 0 {
				if l.allTerminal() {
					l.finalizeCompleted()
					return
				}
				if len(l.dag.ReadySteps(l.execCtx, l.inflight)) == 0 &&
					len(l.dag.DeadSteps(l.execCtx, l.inflight)) == 0 {
					// Nothing runnable, nothing waiting, not done: a graph
					// state the resolver cannot advance.
					l.fatal = schema.NewError(schema.ErrCodeExecution, "no dispatchable steps remain")
					continue
				}
				continue
			}
			l.suspend(waiting)
		}

		var deadlineC <-chan time.Time
		var deadlineTimer *time.Timer
		if at, ok := l.earliestDeadline(); ok {
			wait := time.Until(at)
			if wait < 0 {
				wait = 0
			}
			deadlineTimer = time.NewTimer(wait)
			deadlineC = deadlineTimer.C
		}

		select {
		case res := <-l.results:
			delete(l.inflight, res.StepID)
			l.handleResult(res)
		case <-l.h.wake:
			// Signals drain at the top of the loop.
		case <-pollC:
			l.pollApprovals()
		case <-deadlineC:
			l.expireDueApprovals()
		case <-l.ctx.Done():
		}
		if deadlineTimer != nil {
			deadlineTimer.Stop()
		}
	}
}

// checkCondition evaluates the step's guard, if any. Evaluation problems
// are configuration failures that halt the run.
func (l *runLoop) checkCondition(step *schema.StepDefinition) (bool, error) {
	cfg, err := step.EngineConfig()
	if err != nil {
		return false, err
	}
	if cfg.Condition == "" {
		return true, nil
	}

	input := l.e.dispatcher.Injector().BuildInput(l.execCtx, step)
	scope := expressions.BuildScope(l.execCtx, input)
	pass, err := l.e.cel.EvaluateBool(l.ctx, cfg.Condition, scope.Env())
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"step %s: condition evaluation failed: %v", step.ID, err).WithStep(step.ID).WithCause(err)
	}
	_ = l.h.recorder.RecordEvent(l.pctx, RunEvent{
		ExecutionID: l.execID,
		StepID:      step.ID,
		Type:        schema.EventConditionEvaluated,
		Payload:     map[string]any{"condition": cfg.Condition, "result": pass},
	})
	return pass, nil
}

func (l *runLoop) atCapacity() bool {
	return len(l.inflight)+len(l.backlog) >= l.e.poolSize
}

// claimed is the set of steps the resolver must not touch: dispatched ones
// plus backlogged commitments.
func (l *runLoop) claimed() map[string]bool {
	if len(l.backlog) == 0 {
		return l.inflight
	}
	m := make(map[string]bool, len(l.inflight)+len(l.backlog))
	for id := range l.inflight {
		m[id] = true
	}
	for _, req := range l.backlog {
		m[req.stepID] = true
	}
	return m
}

// drainBacklog starts deferred dispatches as capacity frees up. Requests
// whose step moved on in the meantime are dropped.
func (l *runLoop) drainBacklog() {
	pending := l.backlog
	l.backlog = nil
	for i, req := range pending {
		if len(l.inflight) >= l.e.poolSize {
			l.backlog = append(l.backlog, pending[i:]...)
			return
		}
		if l.execCtx.StatusOf(req.stepID) != req.from || l.inflight[req.stepID] {
			continue
		}
		if err := l.start(req.stepID, req.from); err != nil {
			l.fatal = asFlowError(err, req.stepID)
			return
		}
	}
}

// start moves a step into running and hands it to the worker pool. Callers
// check capacity first.
func (l *runLoop) start(stepID string, from schema.StepStatus) error {
	l.resumeRunStatus()
	step := l.dag.Steps[stepID]
	if err := l.stepFSM.Transition(l.pctx, l.execID, stepID, from, schema.StepStatusRunning, nil); err != nil {
		return err
	}
	l.inflight[stepID] = true

	stepCtx := logging.WithStepID(l.ctx, stepID)
	err := l.e.pool.Submit(l.ctx, func(context.Context) error {
		res := l.e.dispatcher.Dispatch(stepCtx, step, l.execCtx, l.h.recorder)
		l.results <- res
		if res.Status == schema.StepStatusFailed && res.Error != nil {
			return res.Error
		}
		return nil
	})
	if err != nil {
		delete(l.inflight, stepID)
		// The run is being torn down; report the step as failed so state
		// stays consistent.
		ferr := asFlowError(err, stepID)
		l.execCtx.StoreResult(schema.FailedResult(stepID, ferr))
		_ = l.stepFSM.Transition(l.pctx, l.execID, stepID, schema.StepStatusRunning, schema.StepStatusFailed, errorPayload(ferr))
		return err
	}
	return nil
}

// redispatchWaiting re-runs a waiting step after input injection.
func (l *runLoop) redispatchWaiting(stepID string) {
	if l.execCtx.StatusOf(stepID) != schema.StepStatusWaiting || l.inflight[stepID] {
		return
	}
	delete(l.deadlines, stepID)
	if l.atCapacity() {
		l.backlog = append(l.backlog, dispatchRequest{stepID, schema.StepStatusWaiting})
		return
	}
	if err := l.start(stepID, schema.StepStatusWaiting); err != nil {
		l.fatal = asFlowError(err, stepID)
	}
}

// resumeRunStatus lifts the run out of waiting when external input arrives.
func (l *runLoop) resumeRunStatus() {
	if l.execCtx.Status() != schema.ExecutionStatusWaiting {
		return
	}
	_ = l.runFSM.Transition(l.pctx, l.execID, schema.ExecutionStatusWaiting, schema.ExecutionStatusRunning, nil)
	l.execCtx.SetStatus(schema.ExecutionStatusRunning)
	_ = l.e.backend.RecordStatus(l.pctx, l.execID, schema.ExecutionStatusRunning, nil)
}

// suspend parks the run in waiting status once nothing is in flight.
func (l *runLoop) suspend(waiting []string) {
	if l.execCtx.Status() != schema.ExecutionStatusRunning {
		return
	}
	_ = l.runFSM.Transition(l.pctx, l.execID, schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting,
		map[string]any{"waiting_steps": waiting})
	l.execCtx.SetStatus(schema.ExecutionStatusWaiting)
	_ = l.e.backend.RecordStatus(l.pctx, l.execID, schema.ExecutionStatusWaiting, nil)
	l.log.InfoContext(l.ctx, "run waiting for input", slog.Any("waiting_steps", waiting))
}

// handleResult settles one dispatch outcome.
func (l *runLoop) handleResult(res *schema.StepResult) {
	stepID := res.StepID
	step := l.dag.Steps[stepID]

	l.execCtx.StoreResult(res)
	_ = l.stepFSM.Transition(l.pctx, l.execID, stepID, schema.StepStatusRunning, res.Status, resultPayload(res))
	_ = l.e.backend.RecordStep(l.pctx, l.execID, res)

	switch res.Status {
	case schema.StepStatusCompleted:
		l.log.DebugContext(l.ctx, "step completed",
			slog.String("step_id", stepID),
			slog.Int64("duration_ms", res.ExecutionTimeMs))

	case schema.StepStatusWaiting:
		l.registerApproval(step, res)

	case schema.StepStatusFailed:
		ferr := res.Error
		if ferr == nil {
			ferr = schema.NewError(schema.ErrCodeExecution, "step failed").WithStep(stepID)
		}
		if ferr.Code == schema.ErrCodeCancelled && l.ctx.Err() != nil {
			// Interrupted by cancel or timeout; finalize decides the run
			// status.
			return
		}
		if ferr.IsConfiguration() {
			l.fatal = ferr
			return
		}
		cfg, cfgErr := step.EngineConfig()
		if cfgErr != nil {
			l.fatal = asFlowError(cfgErr, stepID)
			return
		}
		decision := DecideOnError(l.pctx, l.h.recorder, l.execID, stepID, cfg.OnError, ferr)
		switch {
		case decision.FailRun:
			l.fatal = ferr
		case decision.FallbackStep != "":
			l.dispatchFallback(decision.FallbackStep)
		}
	}
}

// dispatchFallback invokes a reserve step after its namer failed.
func (l *runLoop) dispatchFallback(stepID string) {
	if l.execCtx.StatusOf(stepID) != schema.StepStatusPending || l.inflight[stepID] {
		l.log.DebugContext(l.ctx, "fallback step not dispatchable",
			slog.String("step_id", stepID),
			slog.String("status", string(l.execCtx.StatusOf(stepID))))
		return
	}
	if l.atCapacity() {
		l.backlog = append(l.backlog, dispatchRequest{stepID, schema.StepStatusPending})
		return
	}
	if err := l.start(stepID, schema.StepStatusPending); err != nil {
		l.fatal = asFlowError(err, stepID)
	}
}

// registerApproval records the approval request behind a waiting step and
// arms its deadline.
func (l *runLoop) registerApproval(step *schema.StepDefinition, res *schema.StepResult) {
	out := res.OutputData
	rec := ApprovalRecord{
		ID:          ApprovalID(l.execID, step.ID),
		ExecutionID: l.execID,
		StepID:      step.ID,
		Prompt:      stringFrom(out, "prompt"),
		Options:     stringSliceFrom(out, "options"),
		Metadata:    mapFrom(out, "metadata"),
	}
	payload := map[string]any{"prompt": rec.Prompt}
	if len(rec.Options) > 0 {
		payload["options"] = rec.Options
	}
	if secs := intFrom(out, "timeout_seconds"); secs > 0 {
		at := time.Now().UTC().Add(time.Duration(secs) * time.Second)
		rec.TimeoutAt = &at
		l.deadlines[step.ID] = at
		payload["timeout_seconds"] = secs
	}

	if err := l.e.backend.CreateApproval(l.pctx, rec); err != nil {
		l.log.WarnContext(l.ctx, "approval record write failed",
			slog.String("step_id", step.ID), slog.String("error", err.Error()))
	}
	_ = l.h.recorder.RecordEvent(l.pctx, RunEvent{
		ExecutionID: l.execID,
		StepID:      step.ID,
		Type:        schema.EventApprovalRequested,
		Payload:     payload,
	})
	l.log.InfoContext(l.ctx, "step waiting for approval",
		slog.String("step_id", step.ID), slog.String("prompt", rec.Prompt))
}

// pollApprovals checks the backend for out-of-process approval outcomes.
func (l *runLoop) pollApprovals() {
	for _, stepID := range l.execCtx.WaitingSteps() {
		view, err := l.e.backend.FetchApproval(l.pctx, ApprovalID(l.execID, stepID))
		if err != nil {
			continue
		}
		switch view.Outcome {
		case ApprovalOutcomeResolved:
			payload := view.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			l.execCtx.InjectInput(stepID, payload)
			_ = l.h.recorder.RecordEvent(l.pctx, RunEvent{
				ExecutionID: l.execID,
				StepID:      stepID,
				Type:        schema.EventInputInjected,
				Payload:     payload,
			})
			l.redispatchWaiting(stepID)
		case ApprovalOutcomeCancelled:
			l.skipWaiting(stepID)
		case ApprovalOutcomeTimedOut:
			l.failApprovalTimeout(stepID)
		}
	}
}

// expireDueApprovals fails waiting steps whose approval deadline passed.
func (l *runLoop) expireDueApprovals() {
	now := time.Now().UTC()
	for stepID, at := range l.deadlines {
		if at.After(now) {
			continue
		}
		_ = l.e.backend.ExpireApproval(l.pctx, ApprovalID(l.execID, stepID))
		l.failApprovalTimeout(stepID)
	}
}

// failApprovalTimeout converts an expired wait into a step failure and runs
// the step's on_error policy. The run resumes first: a waiting run cannot
// fail directly.
func (l *runLoop) failApprovalTimeout(stepID string) {
	if l.execCtx.StatusOf(stepID) != schema.StepStatusWaiting {
		return
	}
	delete(l.deadlines, stepID)
	_ = l.h.recorder.RecordEvent(l.pctx, RunEvent{
		ExecutionID: l.execID,
		StepID:      stepID,
		Type:        schema.EventApprovalTimedOut,
	})
	l.resumeRunStatus()

	ferr := schema.NewError(schema.ErrCodeTimeout, "approval timed out").WithStep(stepID)
	res := schema.FailedResult(stepID, ferr)
	l.execCtx.StoreResult(res)
	_ = l.stepFSM.Transition(l.pctx, l.execID, stepID, schema.StepStatusWaiting, schema.StepStatusFailed, errorPayload(ferr))
	_ = l.e.backend.RecordStep(l.pctx, l.execID, res)

	step := l.dag.Steps[stepID]
	cfg, err := step.EngineConfig()
	if err != nil {
		l.fatal = asFlowError(err, stepID)
		return
	}
	decision := DecideOnError(l.pctx, l.h.recorder, l.execID, stepID, cfg.OnError, ferr)
	switch {
	case decision.FailRun:
		l.fatal = ferr
	case decision.FallbackStep != "":
		l.dispatchFallback(decision.FallbackStep)
	}
}

// skipPending marks an undispatched step skipped.
func (l *runLoop) skipPending(stepID, reason string) {
	_ = l.stepFSM.Transition(l.pctx, l.execID, stepID, schema.StepStatusPending, schema.StepStatusSkipped,
		map[string]any{"reason": reason})
	l.execCtx.MarkSkipped(stepID)
	_ = l.e.backend.RecordStep(l.pctx, l.execID, &schema.StepResult{StepID: stepID, Status: schema.StepStatusSkipped})
}

// skipWaiting skips a step whose wait was withdrawn.
func (l *runLoop) skipWaiting(stepID string) {
	if l.execCtx.StatusOf(stepID) != schema.StepStatusWaiting {
		return
	}
	delete(l.deadlines, stepID)
	res := &schema.StepResult{StepID: stepID, Status: schema.StepStatusSkipped}
	l.execCtx.StoreResult(res)
	_ = l.stepFSM.Transition(l.pctx, l.execID, stepID, schema.StepStatusWaiting, schema.StepStatusSkipped,
		map[string]any{"reason": "approval_cancelled"})
	_ = l.e.backend.RecordStep(l.pctx, l.execID, res)
	l.resumeRunStatus()
}

func (l *runLoop) allTerminal() bool {
	for _, id := range l.dag.Declared {
		if !l.execCtx.StatusOf(id).IsTerminal() {
			return false
		}
	}
	return true
}

func (l *runLoop) earliestDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, at := range l.deadlines {
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	return earliest, found
}

// finalizeCompleted settles a fully terminal run as completed.
func (l *runLoop) finalizeCompleted() {
	from := l.execCtx.Status()
	payload := map[string]any{
		"completed_steps": len(l.execCtx.CompletedSteps()),
		"duration_ms":     time.Since(l.execCtx.StartedAt()).Milliseconds(),
	}
	_ = l.runFSM.Transition(l.pctx, l.execID, from, schema.ExecutionStatusCompleted, payload)
	l.execCtx.SetStatus(schema.ExecutionStatusCompleted)
	_ = l.e.backend.RecordStatus(l.pctx, l.execID, schema.ExecutionStatusCompleted, nil)
	l.log.InfoContext(l.ctx, "run completed",
		slog.Int("completed_steps", len(l.execCtx.CompletedSteps())),
		slog.Int64("duration_ms", time.Since(l.execCtx.StartedAt()).Milliseconds()))
}

// finalizeInterrupted settles a run that stopped before natural completion:
// fatal step error, cancel, workflow timeout, or engine shutdown.
func (l *runLoop) finalizeInterrupted() {
	l.drainInflight()

	// Shutdown leaves the run non-terminal so a durable backend can recover
	// it; only an explicit fatal error still settles.
	if l.fatal == nil && l.e.isShutdown() {
		l.log.InfoContext(l.ctx, "run suspended by shutdown", slog.String("status", string(l.execCtx.Status())))
		return
	}

	status := schema.ExecutionStatusCancelled
	var runErr *schema.FlowError
	switch {
	case l.fatal != nil:
		status = schema.ExecutionStatusFailed
		runErr = l.fatal
	case l.h.wasCancelled():
		status = schema.ExecutionStatusCancelled
	case l.ctx.Err() == context.DeadlineExceeded:
		status = schema.ExecutionStatusTimeout
		runErr = schema.NewErrorf(schema.ErrCodeTimeout, "workflow timed out after %ds", l.h.def.TimeoutSeconds)
	}

	states := make(map[string]schema.StepStatus, len(l.dag.Declared))
	for _, id := range l.dag.Declared {
		states[id] = l.execCtx.StatusOf(id)
	}

	// Mirror the skip into run state and withdraw open approvals; the FSM
	// transitions below emit the matching events.
	for _, id := range l.dag.Declared {
		switch states[id] {
		case schema.StepStatusPending:
			l.execCtx.MarkSkipped(id)
			_ = l.e.backend.RecordStep(l.pctx, l.execID, &schema.StepResult{StepID: id, Status: schema.StepStatusSkipped})
		case schema.StepStatusWaiting:
			delete(l.deadlines, id)
			_ = l.e.backend.CancelApproval(l.pctx, ApprovalID(l.execID, id))
			_ = l.h.recorder.RecordEvent(l.pctx, RunEvent{
				ExecutionID: l.execID,
				StepID:      id,
				Type:        schema.EventApprovalCancelled,
			})
			res := &schema.StepResult{StepID: id, Status: schema.StepStatusSkipped}
			l.execCtx.StoreResult(res)
			_ = l.e.backend.RecordStep(l.pctx, l.execID, res)
		}
	}

	from := l.execCtx.Status()
	if status == schema.ExecutionStatusCancelled {
		_ = CancelRun(l.pctx, l.runFSM, l.stepFSM, l.execID, from, states)
	} else {
		for _, id := range l.dag.Declared {
			if canSkip(states[id]) {
				_ = l.stepFSM.Transition(l.pctx, l.execID, id, states[id], schema.StepStatusSkipped,
					map[string]any{"reason": string(status)})
			}
		}
		var payload map[string]any
		if runErr != nil {
			payload = map[string]any{"error": runErr.Error()}
		}
		_ = l.runFSM.Transition(l.pctx, l.execID, from, status, payload)
	}
	l.execCtx.SetStatus(status)
	_ = l.e.backend.RecordStatus(l.pctx, l.execID, status, runErr)

	attrs := []any{slog.String("status", string(status))}
	if runErr != nil {
		attrs = append(attrs, slog.String("error", runErr.Error()))
	}
	l.log.InfoContext(l.ctx, "run finished", attrs...)
}

// drainInflight collects outstanding dispatch results so no step goroutine
// is left blocked. Results are recorded honestly even mid-teardown; a late
// wait is withdrawn by the finalize pass.
func (l *runLoop) drainInflight() {
	for len(l.inflight) > 0 {
		res := <-l.results
		delete(l.inflight, res.StepID)
		l.execCtx.StoreResult(res)
		_ = l.stepFSM.Transition(l.pctx, l.execID, res.StepID, schema.StepStatusRunning, res.Status, resultPayload(res))
		_ = l.e.backend.RecordStep(l.pctx, l.execID, res)
	}
}

// resultPayload is the event payload for a step transition: the raw output
// for completed and waiting, the structured error for failed. Durable
// replay rebuilds step state from exactly these shapes.
func resultPayload(res *schema.StepResult) map[string]any {
	switch res.Status {
	case schema.StepStatusCompleted, schema.StepStatusWaiting:
		return res.OutputData
	case schema.StepStatusFailed:
		return errorPayload(res.Error)
	}
	return nil
}

func errorPayload(ferr *schema.FlowError) map[string]any {
	if ferr == nil {
		return nil
	}
	payload := map[string]any{
		"code":    ferr.Code,
		"message": ferr.Message,
	}
	if ferr.StepID != "" {
		payload["step_id"] = ferr.StepID
	}
	if len(ferr.Details) > 0 {
		payload["details"] = ferr.Details
	}
	return payload
}

func stringFrom(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSliceFrom(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mapFrom(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func intFrom(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
