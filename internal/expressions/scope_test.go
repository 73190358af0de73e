package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func newScopeContext(t *testing.T) *schema.ExecutionContext {
	t.Helper()
	return schema.NewExecutionContext("wf-scope", map[string]any{"city": "Oslo"})
}

func TestBuildScope_CompletedStepsOnly(t *testing.T) {
	ec := newScopeContext(t)
	ec.StoreResult(schema.CompletedResult("fetch", map[string]any{"status": float64(200)}))
	ec.StoreResult(schema.WaitingResult("approve", map[string]any{"prompt": "ok?"}))
	ec.StoreResult(schema.FailedResult("broken", schema.NewError(schema.ErrCodeExecution, "boom")))

	scope := BuildScope(ec, nil)

	require.Contains(t, scope.Steps, "fetch")
	assert.Equal(t, map[string]any{"status": float64(200)}, scope.Steps["fetch"])
	assert.NotContains(t, scope.Steps, "approve")
	assert.NotContains(t, scope.Steps, "broken")
}

func TestBuildScope_TriggerAndExecutionMetadata(t *testing.T) {
	ec := newScopeContext(t)

	scope := BuildScope(ec, map[string]any{"limit": float64(10)})

	assert.Equal(t, "Oslo", scope.Trigger["city"])
	assert.Equal(t, float64(10), scope.Input["limit"])
	assert.Equal(t, ec.ExecutionID(), scope.Execution["execution_id"])
	assert.Equal(t, "wf-scope", scope.Execution["workflow_id"])
}

func TestBuildScope_BuiltinsSeeded(t *testing.T) {
	ec := newScopeContext(t)

	scope := BuildScope(ec, nil)

	assert.Equal(t, ec.ExecutionID(), scope.Builtins["execution_id"])
	assert.Equal(t, "wf-scope", scope.Builtins["workflow_id"])
	assert.NotEmpty(t, scope.Builtins["now"])
	assert.NotEmpty(t, scope.Builtins["uuid"])
	assert.IsType(t, 0, scope.Builtins["timestamp"])
}

func TestBuildScope_OutputsAreFrozen(t *testing.T) {
	ec := newScopeContext(t)
	ec.StoreResult(schema.CompletedResult("fetch", map[string]any{
		"body": map[string]any{"items": []any{"a"}},
	}))

	scope := BuildScope(ec, nil)

	// Mutating the scope copy must not leak back into run state.
	out := scope.Steps["fetch"].(map[string]any)
	out["body"].(map[string]any)["items"] = []any{"tampered"}

	stored := ec.OutputOf("fetch")
	assert.Equal(t, []any{"a"}, stored["body"].(map[string]any)["items"])
}

func TestBuildScope_NilOutputBecomesEmptyMap(t *testing.T) {
	ec := newScopeContext(t)
	ec.StoreResult(schema.CompletedResult("silent", nil))

	scope := BuildScope(ec, nil)

	require.Contains(t, scope.Steps, "silent")
	assert.Equal(t, map[string]any{}, scope.Steps["silent"])
}

func TestScopeEnv_AllKeysPresent(t *testing.T) {
	scope := &Scope{}

	env := scope.Env()

	for _, key := range []string{"steps", "trigger", "input", "execution"} {
		require.Contains(t, env, key)
		assert.NotNil(t, env[key])
	}
}

func TestScopeEnv_CarriesData(t *testing.T) {
	ec := newScopeContext(t)
	ec.StoreResult(schema.CompletedResult("fetch", map[string]any{"n": float64(1)}))

	env := BuildScope(ec, map[string]any{"q": "x"}).Env()

	steps := env["steps"].(map[string]any)
	assert.Equal(t, float64(1), steps["fetch"].(map[string]any)["n"])
	assert.Equal(t, "x", env["input"].(map[string]any)["q"])
	assert.Equal(t, "Oslo", env["trigger"].(map[string]any)["city"])
}

func TestDeepCopyAny(t *testing.T) {
	original := map[string]any{
		"list":   []any{float64(1), map[string]any{"k": "v"}},
		"scalar": "s",
	}

	cp := deepCopyAny(original).(map[string]any)
	cp["list"].([]any)[1].(map[string]any)["k"] = "changed"
	cp["scalar"] = "changed"

	assert.Equal(t, "v", original["list"].([]any)[1].(map[string]any)["k"])
	assert.Equal(t, "s", original["scalar"])
}

func TestDeepCopyMap_Nil(t *testing.T) {
	assert.Nil(t, deepCopyMap(nil))
}
