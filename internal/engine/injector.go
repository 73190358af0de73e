package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Injector resolves a step's declared input_mapping against prior step
// outputs and a small set of builtin variables, and renders {{name}}
// placeholders in step parameters. Resolution never errors: a missing step,
// field, or builtin yields null, so one stale reference cannot abort a run.
type Injector struct {
	renderer *expressions.Renderer
}

// NewInjector creates an Injector. With preserveUnresolved set, unresolved
// template placeholders keep their literal {{name}} form instead of
// rendering empty, which makes broken references visible in step output.
func NewInjector(preserveUnresolved bool) *Injector {
	return &Injector{
		renderer: &expressions.Renderer{PreserveUnresolved: preserveUnresolved},
	}
}

// BuildInput produces the step's input map: every input_mapping entry
// resolved, then any injected resume payload merged on top. Injected keys win
// so an operator's answer overrides whatever the mapping computed at
// suspension time.
func (in *Injector) BuildInput(view schema.ContextView, step *schema.StepDefinition) map[string]any {
	input := make(map[string]any, len(step.InputMapping))
	for name, ref := range step.InputMapping {
		input[name] = in.resolveRef(view, ref)
	}
	if injected, ok := view.StepInput(step.ID); ok {
		for k, v := range injected {
			input[k] = expressions.CopyValue(v)
		}
	}
	return input
}

// resolveRef resolves one source expression. Precedence: completed step
// output (bare step_id for the whole output_data, dotted for a field),
// trigger payload, then builtins for bare names. Anything else is null.
func (in *Injector) resolveRef(view schema.ContextView, ref string) any {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	head, rest, dotted := strings.Cut(ref, ".")

	if view.IsCompleted(head) {
		out := view.OutputOf(head)
		if !dotted {
			return expressions.CopyMap(out)
		}
		val, ok := expressions.Traverse(out, rest)
		if !ok {
			return nil
		}
		return expressions.CopyValue(val)
	}

	if head == "trigger" {
		data := view.TriggerData()
		if !dotted {
			return expressions.CopyMap(data)
		}
		val, ok := expressions.Traverse(data, rest)
		if !ok {
			return nil
		}
		return expressions.CopyValue(val)
	}

	if !dotted {
		switch head {
		case "timestamp", "now":
			return time.Now().UTC().Format(time.RFC3339)
		case "uuid":
			return uuid.NewString()
		case "execution_id":
			return view.ExecutionID()
		case "workflow_id":
			return view.WorkflowID()
		}
	}
	return nil
}

// RenderParameters decodes the step's raw parameters and substitutes
// template placeholders against the scope. Parameters that are not a JSON
// object are a configuration failure.
func (in *Injector) RenderParameters(step *schema.StepDefinition, scope *expressions.Scope) (map[string]any, error) {
	if len(step.Parameters) == 0 {
		return map[string]any{}, nil
	}

	var params map[string]any
	if err := json.Unmarshal(step.Parameters, &params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"step %s: parameters are not a JSON object: %v", step.ID, err).WithStep(step.ID)
	}

	rendered, ok := in.renderer.RenderAny(params, scope).(map[string]any)
	if !ok || rendered == nil {
		return map[string]any{}, nil
	}
	return rendered, nil
}
