package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func processingStep() *schema.StepDefinition {
	return &schema.StepDefinition{ID: "proc", Type: "data_processing"}
}

func TestDataProcessing_Passthrough(t *testing.T) {
	ex := NewDataProcessingExecutor()
	input := map[string]any{"a": 1.0, "b": "two"}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "passthrough"}, input, nil))
	require.NoError(t, err)
	assert.Equal(t, "passthrough", res.OutputData["operation"])
	assert.Equal(t, input, res.OutputData["result"])
}

func TestDataProcessing_DefaultOperation(t *testing.T) {
	ex := NewDataProcessingExecutor()
	input := map[string]any{"a": 1.0}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(), nil, input, nil))
	require.NoError(t, err)
	assert.Equal(t, "passthrough", res.OutputData["operation"])
	assert.Equal(t, input, res.OutputData["result"])
}

func TestDataProcessing_Uppercase(t *testing.T) {
	ex := NewDataProcessingExecutor()
	input := map[string]any{"name": "alice", "count": 3}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "uppercase"}, input, nil))
	require.NoError(t, err)

	result := res.OutputData["result"].(map[string]any)
	assert.Equal(t, "ALICE", result["name"])
	assert.Equal(t, 3, result["count"])
}

func TestDataProcessing_WordCount(t *testing.T) {
	ex := NewDataProcessingExecutor()
	input := map[string]any{"text": "the quick brown fox"}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "word_count"}, input, nil))
	require.NoError(t, err)

	result := res.OutputData["result"].(map[string]any)
	assert.Equal(t, 4, result["word_count"])
	assert.Equal(t, 19, result["character_count"])
}

func TestDataProcessing_WordCount_ContentFallback(t *testing.T) {
	ex := NewDataProcessingExecutor()
	input := map[string]any{"content": "one two"}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "word_count"}, input, nil))
	require.NoError(t, err)
	assert.Equal(t, 2, res.OutputData["result"].(map[string]any)["word_count"])
}

func TestDataProcessing_WordCount_Unicode(t *testing.T) {
	ex := NewDataProcessingExecutor()
	input := map[string]any{"text": "héllo wörld"}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "word_count"}, input, nil))
	require.NoError(t, err)

	result := res.OutputData["result"].(map[string]any)
	assert.Equal(t, 2, result["word_count"])
	// Characters, not bytes.
	assert.Equal(t, 11, result["character_count"])
}

func TestDataProcessing_WordCount_NoText(t *testing.T) {
	ex := NewDataProcessingExecutor()
	input := map[string]any{"number": 42}

	_, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "word_count"}, input, nil))
	assertFlowCode(t, err, schema.ErrCodeValidation)
}

func TestDataProcessing_Template(t *testing.T) {
	ex := NewDataProcessingExecutor()
	view := newTestContext(nil)
	completeStep(view, "source", map[string]any{"place": "Lovelace"})

	params := map[string]any{
		"operation": "template",
		"template":  "Hello {{name}} from {{source.place}}",
	}
	res, err := ex.Execute(context.Background(), reqFor(processingStep(),
		params, map[string]any{"name": "Ada"}, view))
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada from Lovelace", res.OutputData["result"])
}

func TestDataProcessing_Compute(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{
		"operation":  "compute",
		"expression": "input.price * input.qty",
	}
	input := map[string]any{"price": 10.0, "qty": 3.0}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(), params, input, nil))
	require.NoError(t, err)
	assert.EqualValues(t, 30.0, res.OutputData["result"])
}

func TestDataProcessing_Compute_ReadsStepOutputs(t *testing.T) {
	ex := NewDataProcessingExecutor()
	view := newTestContext(nil)
	completeStep(view, "pricing", map[string]any{"total": 99.5})

	params := map[string]any{
		"operation":  "compute",
		"expression": `steps.pricing.total > 50`,
	}
	res, err := ex.Execute(context.Background(), reqFor(processingStep(), params, nil, view))
	require.NoError(t, err)
	assert.Equal(t, true, res.OutputData["result"])
}

func TestDataProcessing_Compute_MissingExpression(t *testing.T) {
	ex := NewDataProcessingExecutor()

	_, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "compute"}, nil, nil))
	assertFlowCode(t, err, schema.ErrCodeValidation)
}

func TestDataProcessing_Compute_BadExpression(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{"operation": "compute", "expression": "1 +"}

	_, err := ex.Execute(context.Background(), reqFor(processingStep(), params, nil, nil))
	assertFlowCode(t, err, schema.ErrCodeValidation)
}

func TestDataProcessing_Filter(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{
		"operation":  "filter",
		"expression": "filter(input.items, {.price > 10})",
	}
	input := map[string]any{"items": []any{
		map[string]any{"name": "pen", "price": 5.0},
		map[string]any{"name": "book", "price": 15.0},
		map[string]any{"name": "lamp", "price": 25.0},
	}}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(), params, input, nil))
	require.NoError(t, err)

	list, ok := res.OutputData["result"].([]any)
	require.True(t, ok, "filter result must be a list, got %T", res.OutputData["result"])
	require.Len(t, list, 2)
	assert.Equal(t, "book", list[0].(map[string]any)["name"])
	assert.Equal(t, "lamp", list[1].(map[string]any)["name"])
}

func TestDataProcessing_Filter_NonListResult(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{"operation": "filter", "expression": "1 + 1"}

	_, err := ex.Execute(context.Background(), reqFor(processingStep(), params, nil, nil))
	assertFlowCode(t, err, schema.ErrCodeValidation)
}

func TestDataProcessing_Transform(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{
		"operation": "transform",
		"query":     ".items | map(.name)",
	}
	input := map[string]any{"items": []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
	}}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(), params, input, nil))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, res.OutputData["result"])
}

func TestDataProcessing_Transform_MissingQuery(t *testing.T) {
	ex := NewDataProcessingExecutor()

	_, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "transform"}, nil, nil))
	assertFlowCode(t, err, schema.ErrCodeValidation)
}

func TestDataProcessing_Transform_BadQuery(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{"operation": "transform", "query": ".items | ???"}

	_, err := ex.Execute(context.Background(), reqFor(processingStep(), params, nil, nil))
	require.Error(t, err)
}

func TestDataProcessing_Hash(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{"operation": "hash", "data": "hello world"}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(), params, nil, nil))
	require.NoError(t, err)

	result := res.OutputData["result"].(map[string]any)
	assert.Equal(t, "sha256", result["algorithm"])
	// sha256("hello world")
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", result["digest"])
}

func TestDataProcessing_Hash_FromInputText(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{"operation": "hash", "algorithm": "md5"}
	input := map[string]any{"text": "hello"}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(), params, input, nil))
	require.NoError(t, err)

	result := res.OutputData["result"].(map[string]any)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", result["digest"])
}

func TestDataProcessing_Hash_HMAC(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{"operation": "hash", "data": "payload", "key": "secret"}

	res, err := ex.Execute(context.Background(), reqFor(processingStep(), params, nil, nil))
	require.NoError(t, err)

	result := res.OutputData["result"].(map[string]any)
	digest := result["digest"].(string)
	assert.Len(t, digest, 64)

	// A different key must change the digest.
	params["key"] = "other"
	res, err = ex.Execute(context.Background(), reqFor(processingStep(), params, nil, nil))
	require.NoError(t, err)
	assert.NotEqual(t, digest, res.OutputData["result"].(map[string]any)["digest"])
}

func TestDataProcessing_Hash_BadAlgorithm(t *testing.T) {
	ex := NewDataProcessingExecutor()
	params := map[string]any{"operation": "hash", "data": "x", "algorithm": "crc32"}

	_, err := ex.Execute(context.Background(), reqFor(processingStep(), params, nil, nil))
	assertFlowCode(t, err, schema.ErrCodeValidation)
}

func TestDataProcessing_Hash_NoData(t *testing.T) {
	ex := NewDataProcessingExecutor()

	_, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "hash"}, map[string]any{"number": 7}, nil))
	assertFlowCode(t, err, schema.ErrCodeValidation)
}

func TestDataProcessing_UnknownOperation(t *testing.T) {
	ex := NewDataProcessingExecutor()

	_, err := ex.Execute(context.Background(), reqFor(processingStep(),
		map[string]any{"operation": "frobnicate"}, nil, nil))
	assertFlowCode(t, err, schema.ErrCodeValidation)
}
