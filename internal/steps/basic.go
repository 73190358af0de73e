package steps

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// BasicExecutors returns the executors that need no configuration or
// expression engines: trigger, echo, data_input, delay.
func BasicExecutors() []Executor {
	return []Executor{
		&triggerExecutor{},
		&echoExecutor{},
		&dataInputExecutor{},
		&delayExecutor{},
	}
}

// --- JSON Schemas ---

const dataInputParamsSchema = `{
  "type": "object",
  "properties": {
    "data": {"description": "Static payload emitted under the output's data key"}
  }
}`

const delayParamsSchema = `{
  "type": "object",
  "properties": {
    "seconds": {"type": "number", "minimum": 0, "default": 1}
  }
}`

// --- trigger ---

// triggerExecutor re-emits the run's trigger payload as step output, so
// downstream input_mapping has a stable step to address trigger fields
// through.
type triggerExecutor struct{}

func (e *triggerExecutor) Type() string { return "trigger" }

func (e *triggerExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "trigger",
		Description: "Echo the run's trigger payload as step output",
	}
}

func (e *triggerExecutor) Execute(_ context.Context, req Request) (*schema.StepResult, error) {
	out := make(map[string]any)
	for k, v := range req.View.TriggerData() {
		out[k] = v
	}
	return schema.CompletedResult(req.Step.ID, out), nil
}

// --- echo ---

// echoExecutor returns the resolved input overlaid with the step
// parameters. Useful as a smoke-test step and as a template target.
type echoExecutor struct{}

func (e *echoExecutor) Type() string { return "echo" }

func (e *echoExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "echo",
		Description: "Return the resolved input overlaid with the step parameters",
	}
}

func (e *echoExecutor) Execute(_ context.Context, req Request) (*schema.StepResult, error) {
	out := make(map[string]any, len(req.Input)+len(req.Params))
	for k, v := range req.Input {
		out[k] = v
	}
	for k, v := range req.Params {
		out[k] = v
	}
	return schema.CompletedResult(req.Step.ID, out), nil
}

// --- data_input ---

// dataInputExecutor injects data into a run: the static "data" parameter
// when configured, otherwise the step's mapped input, otherwise the
// trigger payload.
type dataInputExecutor struct{}

func (e *dataInputExecutor) Type() string { return "data_input" }

func (e *dataInputExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "data_input",
		Description: "Emit static, mapped, or trigger data as {data, input_type}",
		InputSchema: json.RawMessage(dataInputParamsSchema),
	}
}

func (e *dataInputExecutor) Execute(_ context.Context, req Request) (*schema.StepResult, error) {
	var (
		data      any
		inputType string
	)
	switch {
	case req.Params["data"] != nil:
		data, inputType = req.Params["data"], "static"
	case len(req.Input) > 0:
		data, inputType = req.Input, "mapped"
	default:
		data, inputType = req.View.TriggerData(), "trigger"
	}

	return schema.CompletedResult(req.Step.ID, map[string]any{
		"data":       data,
		"input_type": inputType,
	}), nil
}

// --- delay ---

// delayExecutor pauses for a configured number of seconds. The wait honors
// context cancellation, so a cancelled or timed-out run does not sit out
// the remaining delay.
type delayExecutor struct{}

func (e *delayExecutor) Type() string { return "delay" }

func (e *delayExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "delay",
		Description: "Pause for a number of seconds before completing",
		InputSchema: json.RawMessage(delayParamsSchema),
	}
}

func (e *delayExecutor) Execute(ctx context.Context, req Request) (*schema.StepResult, error) {
	seconds := floatParam(req.Params, "seconds", 1)
	if seconds < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay: negative duration %v", seconds)
	}

	start := time.Now()
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewError(schema.ErrCodeTimeout, "delay interrupted by timeout").WithCause(ctx.Err())
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err())
	case <-timer.C:
	}

	return schema.CompletedResult(req.Step.ID, map[string]any{
		"requested_seconds": seconds,
		"elapsed_ms":        time.Since(start).Milliseconds(),
	}), nil
}
