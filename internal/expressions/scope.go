package expressions

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Scope is the data environment for one step dispatch. It feeds both
// expression evaluation (conditions, transforms, compute) and {{name}}
// template rendering. All maps are frozen at build time: step outputs are
// deep-copied so an executor holding the scope cannot mutate run state.
type Scope struct {
	Steps     map[string]any // step ID -> completed output_data
	Trigger   map[string]any // run's initial payload
	Input     map[string]any // this step's resolved input
	Execution map[string]any // run metadata (execution_id, workflow_id)
	Builtins  map[string]any // template builtins (now, uuid, ...)
}

// BuildScope snapshots the run state visible to one step. Only completed
// steps contribute outputs: a waiting or failed step is absent from Steps.
// Builtin values (now, uuid) are fixed at build time so repeated references
// within one dispatch agree with each other.
func BuildScope(view schema.ContextView, input map[string]any) *Scope {
	steps := make(map[string]any)
	for _, id := range view.CompletedSteps() {
		out := view.OutputOf(id)
		if out == nil {
			steps[id] = map[string]any{}
			continue
		}
		steps[id] = deepCopyMap(out)
	}

	now := time.Now().UTC()
	return &Scope{
		Steps:   steps,
		Trigger: deepCopyMap(view.TriggerData()),
		Input:   deepCopyMap(input),
		Execution: map[string]any{
			"execution_id": view.ExecutionID(),
			"workflow_id":  view.WorkflowID(),
		},
		Builtins: map[string]any{
			"execution_id": view.ExecutionID(),
			"workflow_id":  view.WorkflowID(),
			"now":          now.Format(time.RFC3339),
			"timestamp":    int(now.Unix()),
			"uuid":         uuid.NewString(),
		},
	}
}

// Env returns the environment map shared by the CEL, expr, and jq engines.
// Every key is present even when empty so expressions never hit a nil map.
func (s *Scope) Env() map[string]any {
	return map[string]any{
		"steps":     orEmpty(s.Steps),
		"trigger":   orEmpty(s.Trigger),
		"input":     orEmpty(s.Input),
		"execution": orEmpty(s.Execution),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// CopyMap returns a deep copy of a decoded-JSON map. Callers use it to hand
// run state to executors without aliasing the context's internal maps.
func CopyMap(m map[string]any) map[string]any { return deepCopyMap(m) }

// CopyValue returns a deep copy of a decoded-JSON value.
func CopyValue(v any) any { return deepCopyAny(v) }

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
