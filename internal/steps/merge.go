package steps

import (
	"context"
	"encoding/json"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

const mergeConfigSchema = `{
  "type": "object",
  "properties": {
    "mode": {"type": "string", "enum": ["first_available","wait_all"], "default": "wait_all"},
    "combine_mode": {"type": "string", "enum": ["object","array"], "default": "object"}
  }
}`

// mergeExecutor shapes the fan-in output of a merge step. Readiness is the
// dependency resolver's job: by the time this executor runs, the merge
// mode's predicate already held, so at least one dependency (OR) or all of
// them (AND) are completed.
type mergeExecutor struct{}

// NewMergeExecutor creates the merge executor.
func NewMergeExecutor() Executor {
	return &mergeExecutor{}
}

func (e *mergeExecutor) Type() string { return schema.StepTypeMerge }

func (e *mergeExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        schema.StepTypeMerge,
		Description: "Fan-in: combine dependency outputs per the configured merge mode",
		InputSchema: json.RawMessage(mergeConfigSchema),
	}
}

func (e *mergeExecutor) Execute(_ context.Context, req Request) (*schema.StepResult, error) {
	cfg := req.Step.MergeSettings()
	deps := req.Step.Dependencies

	completed := 0
	for _, dep := range deps {
		if req.View.IsCompleted(dep) {
			completed++
		}
	}

	out := map[string]any{
		"completed_count":    completed,
		"total_dependencies": len(deps),
	}

	switch cfg.Mode {
	case schema.MergeFirstAvailable:
		// Declaration order decides which completed dependency wins.
		for _, dep := range deps {
			if req.View.IsCompleted(dep) {
				out["data"] = req.View.OutputOf(dep)
				out["source_step"] = dep
				return schema.CompletedResult(req.Step.ID, out), nil
			}
		}
		return nil, schema.NewError(schema.ErrCodeExecution, "merge: no dependency has completed")

	case schema.MergeWaitAll:
		if completed < len(deps) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"merge: %d of %d dependencies completed", completed, len(deps))
		}
		if cfg.CombineMode == schema.CombineArray {
			outputs := make([]any, 0, len(deps))
			for _, dep := range deps {
				outputs = append(outputs, anyOutput(req.View.OutputOf(dep)))
			}
			out["outputs"] = outputs
		} else {
			outputs := make(map[string]any, len(deps))
			for _, dep := range deps {
				outputs[dep] = anyOutput(req.View.OutputOf(dep))
			}
			out["outputs"] = outputs
		}
		return schema.CompletedResult(req.Step.ID, out), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "merge: unknown mode %q", cfg.Mode)
	}
}

// anyOutput widens a step output so a nil map marshals as an empty object
// rather than null.
func anyOutput(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
