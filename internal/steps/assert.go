package steps

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

const assertParamsSchema = `{
  "type": "object",
  "properties": {
    "expected": {"description": "Value the actual value must deeply equal"},
    "actual": {"description": "Value under test; defaults to the resolved step input"},
    "schema": {"type": "object", "description": "JSON Schema the resolved step input must satisfy"},
    "message": {"type": "string"}
  }
}`

// assertExecutor checks the step's resolved input (or explicit values)
// inside a workflow: deep equality via expected/actual and JSON-Schema
// conformance via schema. At least one check must be configured. A failed
// check is an execution error, so on_error policy decides whether the run
// halts.
type assertExecutor struct {
	validator *validation.JSONSchemaValidator
}

// NewAssertExecutor creates the assert executor.
func NewAssertExecutor(validator *validation.JSONSchemaValidator) Executor {
	return &assertExecutor{validator: validator}
}

func (e *assertExecutor) Type() string { return "assert" }

func (e *assertExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "assert",
		Description: "Fail the step unless equality and JSON-Schema checks hold",
		InputSchema: json.RawMessage(assertParamsSchema),
	}
}

func (e *assertExecutor) Execute(_ context.Context, req Request) (*schema.StepResult, error) {
	_, hasExpected := req.Params["expected"]
	schemaObj, hasSchema := req.Params["schema"]
	if !hasExpected && !hasSchema {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert: requires an 'expected' or 'schema' parameter")
	}

	msg := stringParam(req.Params, "message", "")
	checks := 0

	if hasExpected {
		actual, ok := req.Params["actual"]
		if !ok {
			actual = req.Input
		}
		if !reflect.DeepEqual(normalizeJSON(req.Params["expected"]), normalizeJSON(actual)) {
			if msg == "" {
				msg = "assertion failed: values are not equal"
			}
			return nil, schema.NewError(schema.ErrCodeExecution, msg).
				WithDetails(map[string]any{"expected": req.Params["expected"], "actual": actual})
		}
		checks++
	}

	if hasSchema {
		schemaBytes, err := json.Marshal(schemaObj)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert: failed to serialize schema: %v", err)
		}
		if err := e.validator.ValidateInput(req.Input, schemaBytes); err != nil {
			if msg == "" {
				msg = "assertion failed: input does not match schema"
			}
			details := map[string]any{"error": err.Error()}
			var flowErr *schema.FlowError
			if errors.As(err, &flowErr) && flowErr.Details != nil {
				details["violations"] = flowErr.Details["violations"]
			}
			return nil, schema.NewError(schema.ErrCodeExecution, msg).WithDetails(details)
		}
		checks++
	}

	return schema.CompletedResult(req.Step.ID, map[string]any{
		"pass":   true,
		"checks": checks,
	}), nil
}

// normalizeJSON widens Go numeric types to float64 for deep-equal
// comparison. JSON decoding produces float64 for numbers; this normalizes
// int, int64, and json.Number values coming from Go-side literals.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}
