package steps

import (
	"context"
	"encoding/json"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Executor runs one step type. A single instance serves every dispatch of
// its type across runs, so implementations must be safe for concurrent
// use. Executors never mutate run state except through the StepResult they
// return; anything they need to read comes through the Request.
type Executor interface {
	// Type is the step_type this executor serves.
	Type() string

	// Describe returns the catalog entry for the step type.
	Describe() Descriptor

	// Execute runs one dispatch. A returned error fails the dispatch and
	// is subject to the dispatcher's retry policy. A waiting result is a
	// suspension, never an error.
	Execute(ctx context.Context, req Request) (*schema.StepResult, error)
}

// Descriptor is the catalog entry for a registered step type.
type Descriptor struct {
	Type        string          `json:"step_type"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request carries everything one dispatch may read: the step definition,
// the rendered parameters, the resolved input (input_mapping results plus
// any injected resume payload), and the read-only run view.
type Request struct {
	Step   *schema.StepDefinition
	Params map[string]any
	Input  map[string]any
	View   schema.ContextView
}

// Param helpers shared by the executor files. Parameter values arrive via
// JSON, so numbers may be float64 or json.Number depending on the decoder.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}
