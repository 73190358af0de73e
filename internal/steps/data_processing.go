package steps

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strings"
	"unicode/utf8"

	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

const dataProcessingParamsSchema = `{
  "type": "object",
  "properties": {
    "operation": {
      "type": "string",
      "enum": ["passthrough","uppercase","word_count","template","compute","filter","transform","hash"],
      "default": "passthrough"
    },
    "template": {"type": "string"},
    "expression": {"type": "string"},
    "query": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256","sha384","sha512","sha1","md5"], "default": "sha256"},
    "key": {"type": "string", "description": "HMAC key; plain digest when absent"}
  }
}`

// dataProcessingExecutor applies one named operation to the step's
// resolved input. compute and filter evaluate expr programs, transform
// runs a jq program, and template goes through the {{name}} renderer; all
// three see the same scope (steps, trigger, input, execution).
type dataProcessingExecutor struct {
	renderer *expressions.Renderer
	expr     *expressions.ExprEngine
	jq       *expressions.GoJQEngine
}

// NewDataProcessingExecutor creates the data_processing executor with its
// expression engines. Compiled programs are cached inside the engines, so
// one instance should serve the whole process.
func NewDataProcessingExecutor() Executor {
	return &dataProcessingExecutor{
		renderer: &expressions.Renderer{},
		expr:     expressions.NewExprEngine(),
		jq:       expressions.NewGoJQEngine(),
	}
}

func (e *dataProcessingExecutor) Type() string { return "data_processing" }

func (e *dataProcessingExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "data_processing",
		Description: "Apply a named operation (passthrough, uppercase, word_count, template, compute, filter, transform, hash) to the step input",
		InputSchema: json.RawMessage(dataProcessingParamsSchema),
	}
}

func (e *dataProcessingExecutor) Execute(ctx context.Context, req Request) (*schema.StepResult, error) {
	op := stringParam(req.Params, "operation", "passthrough")

	var (
		result any
		err    error
	)
	switch op {
	case "passthrough":
		result = req.Input
	case "uppercase":
		result = uppercaseValues(req.Input)
	case "word_count":
		result, err = wordCount(req.Input)
	case "template":
		result = e.renderTemplate(req)
	case "compute":
		result, err = e.compute(ctx, req)
	case "filter":
		result, err = e.filter(ctx, req)
	case "transform":
		result, err = e.transform(ctx, req)
	case "hash":
		result, err = hashDigest(req)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "data_processing: unknown operation %q", op)
	}
	if err != nil {
		return nil, err
	}

	return schema.CompletedResult(req.Step.ID, map[string]any{
		"result":    result,
		"operation": op,
	}), nil
}

// uppercaseValues upper-cases top-level string values and leaves every
// other type untouched.
func uppercaseValues(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		if s, ok := v.(string); ok {
			out[k] = strings.ToUpper(s)
		} else {
			out[k] = v
		}
	}
	return out
}

// wordCount counts words and characters in the input's text. The text is
// taken from "text", then "content", then a string-valued "data" key.
func wordCount(input map[string]any) (any, error) {
	text, ok := textFrom(input)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"data_processing: word_count input has no text, content, or string data field")
	}
	return map[string]any{
		"word_count":      len(strings.Fields(text)),
		"character_count": utf8.RuneCountInString(text),
	}, nil
}

func textFrom(input map[string]any) (string, bool) {
	if s, ok := input["text"].(string); ok {
		return s, true
	}
	if s, ok := input["content"].(string); ok {
		return s, true
	}
	if s, ok := input["data"].(string); ok {
		return s, true
	}
	return "", false
}

func (e *dataProcessingExecutor) renderTemplate(req Request) string {
	tmpl := stringParam(req.Params, "template", "")
	scope := expressions.BuildScope(req.View, req.Input)
	return e.renderer.Render(tmpl, scope)
}

func (e *dataProcessingExecutor) compute(ctx context.Context, req Request) (any, error) {
	src := stringParam(req.Params, "expression", "")
	if src == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "data_processing: compute requires an expression")
	}
	scope := expressions.BuildScope(req.View, req.Input)
	return e.expr.Evaluate(ctx, src, scope.Env())
}

// filter is compute constrained to list results, for expressions like
// filter(input.items, .price > 10).
func (e *dataProcessingExecutor) filter(ctx context.Context, req Request) (any, error) {
	src := stringParam(req.Params, "expression", "")
	if src == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "data_processing: filter requires an expression")
	}
	scope := expressions.BuildScope(req.View, req.Input)
	val, err := e.expr.Evaluate(ctx, src, scope.Env())
	if err != nil {
		return nil, err
	}
	list, ok := val.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"data_processing: filter expression must produce a list, got %T", val)
	}
	return list, nil
}

// transform runs a jq program with the step's resolved input as the jq
// input value, so queries read like ".items | map(.name)".
func (e *dataProcessingExecutor) transform(ctx context.Context, req Request) (any, error) {
	query := stringParam(req.Params, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "data_processing: transform requires a query")
	}
	return e.jq.Evaluate(ctx, query, req.Input)
}

// hashDigest computes a hex digest of the input text, keyed (HMAC) when a
// key parameter is set. The text comes from the "data" parameter or the
// input's text field.
func hashDigest(req Request) (any, error) {
	text := stringParam(req.Params, "data", "")
	if text == "" {
		var ok bool
		if text, ok = textFrom(req.Input); !ok {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"data_processing: hash needs a data parameter or a text input field")
		}
	}

	algorithm := stringParam(req.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	var h hash.Hash
	if key := stringParam(req.Params, "key", ""); key != "" {
		h = hmac.New(newHash, []byte(key))
	} else {
		h = newHash()
	}
	h.Write([]byte(text))

	return map[string]any{
		"digest":    hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "data_processing: unsupported hash algorithm %q", algorithm)
	}
}
