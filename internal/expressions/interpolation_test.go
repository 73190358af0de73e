package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- helpers ---

func renderScope(input, steps map[string]any) *Scope {
	return &Scope{
		Input: input,
		Steps: steps,
		Builtins: map[string]any{
			"execution_id": "exec-1",
			"workflow_id":  "wf-1",
			"now":          "2026-01-02T03:04:05Z",
			"timestamp":    1767323045,
			"uuid":         "11111111-2222-3333-4444-555555555555",
		},
	}
}

// --- Render tests ---

func TestRenderer_NoPlaceholders(t *testing.T) {
	r := &Renderer{}
	out := r.Render("plain text with no markers", renderScope(nil, nil))
	assert.Equal(t, "plain text with no markers", out)
}

func TestRenderer_InputValue(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(map[string]any{"name": "alice"}, nil)

	out := r.Render("hello {{name}}", scope)
	assert.Equal(t, "hello alice", out)
}

func TestRenderer_InputWinsOverStepOutput(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(
		map[string]any{"fetch": "from input"},
		map[string]any{"fetch": map[string]any{"value": "from step"}},
	)

	out := r.Render("{{fetch}}", scope)
	assert.Equal(t, "from input", out)
}

func TestRenderer_StepDottedLookup(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(nil, map[string]any{
		"fetch": map[string]any{"url": "https://api.example.com", "status": float64(200)},
	})

	out := r.Render("target={{fetch.url}} status={{fetch.status}}", scope)
	assert.Equal(t, "target=https://api.example.com status=200", out)
}

func TestRenderer_StepDeepNested(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(nil, map[string]any{
		"api_call": map[string]any{
			"response": map[string]any{
				"body": map[string]any{"count": float64(3)},
			},
		},
	})

	out := r.Render("{{api_call.response.body.count}} items", scope)
	assert.Equal(t, "3 items", out)
}

func TestRenderer_InputDottedPath(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(map[string]any{
		"user": map[string]any{"name": "bob"},
	}, nil)

	out := r.Render("hi {{user.name}}", scope)
	assert.Equal(t, "hi bob", out)
}

func TestRenderer_Builtins(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(nil, nil)

	assert.Equal(t, "exec-1", r.Render("{{execution_id}}", scope))
	assert.Equal(t, "wf-1", r.Render("{{workflow_id}}", scope))
	assert.Equal(t, "2026-01-02T03:04:05Z", r.Render("{{now}}", scope))
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", r.Render("{{uuid}}", scope))
}

func TestRenderer_UnresolvedDegradesToEmpty(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(map[string]any{"known": "x"}, nil)

	out := r.Render("known={{known}} missing={{nope}}!", scope)
	assert.Equal(t, "known=x missing=!", out)
}

func TestRenderer_PreserveUnresolved(t *testing.T) {
	r := &Renderer{PreserveUnresolved: true}
	scope := renderScope(nil, nil)

	out := r.Render("value: {{missing.field}}", scope)
	assert.Equal(t, "value: {{missing.field}}", out)
}

func TestRenderer_MissingSubFieldDoesNotFallThrough(t *testing.T) {
	r := &Renderer{}
	// Step "report" exists but has no "absent" field; a builtin named
	// "report.absent" must not be consulted.
	scope := renderScope(nil, map[string]any{
		"report": map[string]any{"title": "Q1"},
	})
	scope.Builtins["report.absent"] = "leaked"

	out := r.Render("[{{report.absent}}]", scope)
	assert.Equal(t, "[]", out)
}

func TestRenderer_UnclosedMarkerIsLiteral(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(map[string]any{"a": "1"}, nil)

	out := r.Render("{{a}} and {{broken", scope)
	assert.Equal(t, "1 and {{broken", out)
}

func TestRenderer_EmptyNameUnresolved(t *testing.T) {
	r := &Renderer{}
	out := r.Render("x{{  }}y", renderScope(nil, nil))
	assert.Equal(t, "xy", out)
}

func TestRenderer_WhitespaceInsideMarkers(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(map[string]any{"name": "eve"}, nil)

	out := r.Render("hi {{ name }}", scope)
	assert.Equal(t, "hi eve", out)
}

func TestRenderer_NilValueRendersEmpty(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(map[string]any{"gone": nil}, nil)

	out := r.Render("value:{{gone}}.", scope)
	assert.Equal(t, "value:.", out)
}

func TestRenderer_ComplexValueInlinedAsJSON(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(nil, map[string]any{
		"list": map[string]any{"items": []any{"a", "b"}},
	})

	out := r.Render("items={{list.items}}", scope)
	assert.Equal(t, `items=["a","b"]`, out)
}

// --- RenderValue tests ---

func TestRenderValue_WholePlaceholderKeepsType(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(nil, map[string]any{
		"stats": map[string]any{"count": float64(7), "tags": []any{"x", "y"}},
	})

	assert.Equal(t, float64(7), r.RenderValue("{{stats.count}}", scope))
	assert.Equal(t, []any{"x", "y"}, r.RenderValue("{{stats.tags}}", scope))
	assert.Equal(t, map[string]any{"count": float64(7), "tags": []any{"x", "y"}},
		r.RenderValue("{{stats}}", scope))
}

func TestRenderValue_EmbeddedPlaceholderYieldsString(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(nil, map[string]any{
		"stats": map[string]any{"count": float64(7)},
	})

	assert.Equal(t, "count: 7", r.RenderValue("count: {{stats.count}}", scope))
}

func TestRenderValue_WholePlaceholderUnresolved(t *testing.T) {
	r := &Renderer{}
	assert.Equal(t, "", r.RenderValue("{{missing}}", renderScope(nil, nil)))

	preserving := &Renderer{PreserveUnresolved: true}
	assert.Equal(t, "{{missing}}", preserving.RenderValue("{{missing}}", renderScope(nil, nil)))
}

func TestRenderValue_TwoPlaceholdersNotWhole(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(map[string]any{"a": float64(1), "b": float64(2)}, nil)

	assert.Equal(t, "12", r.RenderValue("{{a}}{{b}}", scope))
}

// --- RenderAny tests ---

func TestRenderAny_WalksNestedParameters(t *testing.T) {
	r := &Renderer{}
	scope := renderScope(map[string]any{"city": "Oslo"}, map[string]any{
		"weather": map[string]any{"temp": float64(12)},
	})

	params := map[string]any{
		"message": "weather in {{city}}: {{weather.temp}}",
		"temp":    "{{weather.temp}}",
		"nested": map[string]any{
			"list": []any{"{{city}}", float64(99)},
		},
	}

	out := r.RenderAny(params, scope).(map[string]any)
	assert.Equal(t, "weather in Oslo: 12", out["message"])
	assert.Equal(t, float64(12), out["temp"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, []any{"Oslo", float64(99)}, nested["list"])
}

func TestRenderAny_NonStringLeavesUntouched(t *testing.T) {
	r := &Renderer{}
	params := map[string]any{"count": float64(5), "on": true, "none": nil}

	out := r.RenderAny(params, renderScope(nil, nil)).(map[string]any)
	assert.Equal(t, float64(5), out["count"])
	assert.Equal(t, true, out["on"])
	assert.Nil(t, out["none"])
}

// --- helpers under test ---

func TestHasPlaceholders(t *testing.T) {
	assert.True(t, HasPlaceholders("{{a}}"))
	assert.True(t, HasPlaceholders("text {{a.b}} more"))
	assert.False(t, HasPlaceholders("plain"))
	assert.False(t, HasPlaceholders("{{unclosed"))
	assert.False(t, HasPlaceholders("}}backwards{{"))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "text", Stringify("text"))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "false", Stringify(false))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "2", Stringify(float64(2)))
	assert.Equal(t, `{"k":"v"}`, Stringify(map[string]any{"k": "v"}))
}
