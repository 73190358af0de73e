package validation

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// --- Interface compliance ---

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
}

// --- Full pipeline ---

func TestWorkflowValidator_FullValid(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("http_request"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: "http_request"},
			{ID: "s2", Type: "http_request", Dependencies: []string{"s1"}},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_NilTypeLookup(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: "nonexistent_type"},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid(), "nil lookup skips step type checks")
}

// --- Short-circuit ---

func TestWorkflowValidator_StructuralFailShortCircuits(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup())
	require.NoError(t, err)

	// Missing steps → structural error. Semantic/DAG never run.
	def := &schema.WorkflowDefinition{}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	// Only structural errors, no semantic errors about step types.
	for _, e := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeUnknownStepType, e.Code)
	}
}

func TestWorkflowValidator_SemanticErrorsSkipDAG(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup())
	require.NoError(t, err)

	// Step type not registered → semantic error. DAG stage skipped.
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: "bad_type", Dependencies: []string{"s2"}},
			{ID: "s2", Type: "bad_type", Dependencies: []string{"s1"}},
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	// Should have type errors but NOT cycle error (DAG skipped).
	for _, e := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeCycleDetected, e.Code,
			"DAG stage should be skipped when semantic has errors")
	}
}

// --- DAG errors ---

func TestWorkflowValidator_CycleDetected(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("echo"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: "echo", Dependencies: []string{"s2"}},
			{ID: "s2", Type: "echo", Dependencies: []string{"s1"}},
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())

	hasCycle := false
	for _, e := range result.Errors {
		if e.Code == schema.ErrCodeCycleDetected {
			hasCycle = true
		}
	}
	assert.True(t, hasCycle, "should detect cycle")
}

// --- Warnings pass through ---

func TestWorkflowValidator_WarningsPassThrough(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("echo"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: "echo", Config: json.RawMessage(`{"max_retries": 50}`)},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "50")
}

// --- ValidateDefinition (Validator interface) ---

func TestWorkflowValidator_ValidateDefinition_Valid(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("echo"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{{ID: "s1", Type: "echo"}},
	}
	assert.NoError(t, wv.ValidateDefinition(def))
}

func TestWorkflowValidator_ValidateDefinition_Error(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup())
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{{ID: "s1", Type: "missing"}},
	}
	err = wv.ValidateDefinition(def)
	require.Error(t, err)
	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

// --- ValidateInput ---

func TestWorkflowValidator_ValidateInput(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	input := map[string]any{"name": "test"}
	inputSchema := []byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	assert.NoError(t, wv.ValidateInput(input, inputSchema))
}

// --- Complex scenarios ---

func TestWorkflowValidator_FanOutFanIn(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("echo", "merge"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		ExecutionPattern: schema.PatternDAG,
		Steps: []schema.StepDefinition{
			{ID: "start", Type: "echo"},
			{ID: "left", Type: "echo", Dependencies: []string{"start"}},
			{ID: "right", Type: "echo", Dependencies: []string{"start"}},
			{ID: "join", Type: "merge", Dependencies: []string{"left", "right"},
				Config: json.RawMessage(`{"mode": "wait_all", "combine_mode": "array"}`)},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid(), "fan-out/fan-in should validate: %+v", result.Errors)
}

func TestWorkflowValidator_MergeWithSingleDep(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("echo", "merge"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a", Type: "echo"},
			{ID: "m", Type: "merge", Dependencies: []string{"a"}},
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "at least 2")
}

func TestWorkflowValidator_MixedErrorsAndWarnings(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup())
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: "bad", Config: json.RawMessage(`{"max_retries": 20}`)},
		},
	}
	result := wv.Validate(def)
	assert.False(t, result.Valid())
	assert.NotEmpty(t, result.Errors)
	assert.NotEmpty(t, result.Warnings)
}

func TestWorkflowValidator_ApprovalWorkflow(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("data_input", "approval", "http_request"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		ID: "deploy-gate",
		Steps: []schema.StepDefinition{
			{ID: "prepare", Type: "data_input",
				Parameters: json.RawMessage(`{"data": {"artifact": "v2.4.1"}}`)},
			{ID: "gate", Type: "approval", Dependencies: []string{"prepare"},
				Config:       json.RawMessage(`{"prompt": "Ship {{artifact}}?", "timeout_seconds": 3600}`),
				InputMapping: map[string]string{"artifact": "prepare.artifact"}},
			{ID: "deploy", Type: "http_request", Dependencies: []string{"gate"},
				Parameters: json.RawMessage(`{"url": "https://deploy.internal/api", "method": "POST"}`)},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid(), "approval workflow should validate: %+v", result.Errors)
}

// --- Concurrent safety ---

func TestWorkflowValidator_Concurrent(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("echo"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: "echo"},
			{ID: "s2", Type: "echo", Dependencies: []string{"s1"}},
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := wv.Validate(def)
			assert.True(t, result.Valid())
		}()
	}
	wg.Wait()
}
