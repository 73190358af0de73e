package engine

import (
	"context"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// ErrorDecision is the run-level action a step's on_error policy requests
// after retries are exhausted.
type ErrorDecision struct {
	// FailRun fails the whole run with the step's error.
	FailRun bool
	// FallbackStep names the reserve step to dispatch instead, when the
	// policy is fallback.
	FallbackStep string
}

// DecideOnError maps a failed dispatch to its on_error action and records
// the policy invocation in the event log. No policy means fail: a step
// that errors out without instructions halts the run.
func DecideOnError(ctx context.Context, events EventAppender, executionID, stepID string, policy *schema.ErrorPolicy, stepErr error) ErrorDecision {
	if policy == nil {
		return ErrorDecision{FailRun: true}
	}

	switch policy.Strategy {
	case schema.ErrorStrategyContinue:
		_ = events.RecordEvent(ctx, RunEvent{
			ExecutionID: executionID,
			StepID:      stepID,
			Type:        schema.EventStepIgnored,
			Payload: map[string]any{
				"strategy": string(policy.Strategy),
				"error":    stepErr.Error(),
			},
		})
		return ErrorDecision{}

	case schema.ErrorStrategyFallback:
		// An empty fallback_step is rejected at load time; if one slips
		// through, failing the run beats silently ignoring the error.
		if policy.FallbackStep == "" {
			return ErrorDecision{FailRun: true}
		}
		_ = events.RecordEvent(ctx, RunEvent{
			ExecutionID: executionID,
			StepID:      stepID,
			Type:        schema.EventStepFallback,
			Payload: map[string]any{
				"strategy":      string(policy.Strategy),
				"fallback_step": policy.FallbackStep,
				"error":         stepErr.Error(),
			},
		})
		return ErrorDecision{FallbackStep: policy.FallbackStep}

	case schema.ErrorStrategyFail:
		return ErrorDecision{FailRun: true}

	default:
		return ErrorDecision{FailRun: true}
	}
}
