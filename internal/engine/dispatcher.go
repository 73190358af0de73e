package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/steps"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// DefaultStepTimeout bounds a single executor attempt when the step config
// does not set timeout_seconds.
const DefaultStepTimeout = 60 * time.Second

// DispatcherConfig tunes dispatch behavior.
type DispatcherConfig struct {
	// DefaultTimeout applies when a step sets no timeout_seconds.
	DefaultTimeout time.Duration
	// Backoff shapes the delay between retry attempts.
	Backoff BackoffPolicy
	// PreserveUnresolved keeps unresolved {{name}} placeholders literal.
	PreserveUnresolved bool
}

// Dispatcher invokes the registered executor for one eligible step: resolves
// its input, renders its parameters, enforces the per-attempt timeout, and
// applies the retry policy. Every dispatch returns a StepResult; errors are
// carried inside a failed result, never alongside it.
type Dispatcher struct {
	registry *steps.Registry
	injector *Injector
	breakers *CircuitBreakerRegistry
	backoff  BackoffPolicy
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over a step registry.
func NewDispatcher(registry *steps.Registry, breakers *CircuitBreakerRegistry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	if cfg.Backoff.Strategy == "" {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		injector: NewInjector(cfg.PreserveUnresolved),
		breakers: breakers,
		backoff:  cfg.Backoff,
		timeout:  cfg.DefaultTimeout,
		logger:   logger,
	}
}

// Injector exposes the dispatcher's input resolver, shared with the engine
// loop for condition scope building.
func (d *Dispatcher) Injector() *Injector { return d.injector }

// Dispatch runs one step to a terminal attempt outcome. A waiting result
// passes through untouched: suspension is not a failure and is never
// retried. Configuration problems (unknown step type, malformed parameters)
// come back as non-retryable failed results that the engine escalates to a
// run failure regardless of on_error policy.
func (d *Dispatcher) Dispatch(ctx context.Context, step *schema.StepDefinition, view *schema.ExecutionContext, events EventAppender) *schema.StepResult {
	startedAt := time.Now().UTC()
	log := logging.LogWith(ctx, d.logger)

	fail := func(ferr *schema.FlowError, attempts int) *schema.StepResult {
		res := schema.FailedResult(step.ID, ferr)
		d.stamp(res, startedAt, attempts)
		return res
	}

	cfg, err := step.EngineConfig()
	if err != nil {
		return fail(asFlowError(err, step.ID), 0)
	}

	executor, err := d.registry.Get(step.Type)
	if err != nil {
		return fail(asFlowError(err, step.ID), 0)
	}

	if err := d.breakers.AllowRequest(step.Type); err != nil {
		log.WarnContext(ctx, "circuit breaker rejected dispatch", slog.String("step_type", step.Type))
		return fail(asFlowError(err, step.ID), 0)
	}

	input := d.injector.BuildInput(view, step)
	scope := expressions.BuildScope(view, input)
	params, err := d.injector.RenderParameters(step, scope)
	if err != nil {
		return fail(asFlowError(err, step.ID), 0)
	}

	timeout := d.timeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	req := steps.Request{Step: step, Params: params, Input: input, View: view}

	var lastErr *schema.FlowError
	attempt := 0
	for {
		res, invokeErr := d.invoke(ctx, executor, req, timeout)

		if invokeErr == nil {
			switch {
			case res == nil:
				invokeErr = schema.NewError(schema.ErrCodeExecution, "executor returned nil result")
			case res.Status == schema.StepStatusWaiting, res.Status == schema.StepStatusCompleted:
				res.StepID = step.ID
				d.breakers.RecordSuccess(step.Type)
				d.stamp(res, startedAt, attempt)
				return res
			case res.Status == schema.StepStatusFailed:
				if res.Error != nil {
					invokeErr = res.Error
				} else {
					invokeErr = schema.NewError(schema.ErrCodeExecution, "executor reported failure without error")
				}
			default:
				invokeErr = schema.NewErrorf(schema.ErrCodeExecution, "executor returned invalid status %q", res.Status)
			}
		}

		lastErr = wrapStepError(invokeErr, step.ID, timeout)
		d.breakers.RecordFailure(step.Type)

		if lastErr.IsConfiguration() || !IsRetryableError(lastErr) || attempt >= cfg.MaxRetries || ctx.Err() != nil {
			break
		}

		delay := ComputeBackoff(d.backoff, attempt)
		attempt++
		log.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", cfg.MaxRetries),
			slog.Duration("backoff", delay),
			slog.String("error", lastErr.Message))
		_ = events.RecordEvent(ctx, RunEvent{
			ExecutionID: view.ExecutionID(),
			StepID:      step.ID,
			Type:        schema.EventStepRetryAttempt,
			Payload: map[string]any{
				"attempt":     attempt,
				"max_retries": cfg.MaxRetries,
				"error":       lastErr.Message,
				"backoff_ms":  delay.Milliseconds(),
			},
		})
		if err := WaitForBackoff(ctx, delay); err != nil {
			lastErr = wrapStepError(err, step.ID, timeout)
			break
		}
	}

	if attempt > 0 {
		if lastErr.Details == nil {
			lastErr.Details = map[string]any{}
		}
		lastErr.Details["attempts"] = attempt + 1
	}
	log.ErrorContext(ctx, "step failed",
		slog.String("code", lastErr.Code),
		slog.String("error", lastErr.Message),
		slog.Int("retries", attempt))
	return fail(lastErr, attempt)
}

type invokeOutcome struct {
	res *schema.StepResult
	err error
}

// invoke runs one executor attempt under the per-attempt deadline. The
// executor runs in its own goroutine so a handler that ignores its context
// cannot hang the run; on timeout the goroutine is abandoned with its
// context cancelled.
func (d *Dispatcher) invoke(ctx context.Context, executor steps.Executor, req steps.Request, timeout time.Duration) (*schema.StepResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invokeOutcome{nil, recoverToError(r)}
			}
		}()
		res, err := executor.Execute(attemptCtx, req)
		ch <- invokeOutcome{res, err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	}
}

// stamp fills the timing and retry bookkeeping on a result.
func (d *Dispatcher) stamp(res *schema.StepResult, startedAt time.Time, retries int) {
	completedAt := time.Now().UTC()
	res.StartedAt = &startedAt
	res.CompletedAt = &completedAt
	res.ExecutionTimeMs = completedAt.Sub(startedAt).Milliseconds()
	res.RetryCount = retries
}

// wrapStepError normalizes an attempt error into a FlowError with the step
// attached. Deadline errors become timeout failures; a cancelled parent
// context becomes a non-retryable cancellation.
func wrapStepError(err error, stepID string, timeout time.Duration) *schema.FlowError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).
			WithStep(stepID).WithCause(err)
	case errors.Is(err, context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, "step cancelled").
			WithStep(stepID).WithCause(err)
	}
	return asFlowError(err, stepID)
}

// asFlowError coerces any error into a FlowError attributed to the step.
func asFlowError(err error, stepID string) *schema.FlowError {
	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		if ferr.StepID == "" {
			ferr.StepID = stepID
		}
		return ferr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(stepID).WithCause(err)
}
