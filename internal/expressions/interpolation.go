package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Renderer substitutes {{name}} placeholders in template strings.
//
// Resolution precedence per placeholder:
//  1. the step's resolved input map (direct key, then dotted path),
//  2. completed step outputs via dotted paths (step_id or step_id.field...),
//  3. builtin variables (execution_id, workflow_id, now, timestamp, uuid).
//
// An unresolved placeholder renders as an empty string rather than raising,
// so one misconfigured reference does not abort the run. PreserveUnresolved
// keeps the literal {{name}} token instead, for debugging templates.
type Renderer struct {
	PreserveUnresolved bool
}

// Render substitutes every placeholder in the template and returns the
// resulting string. Non-string values are stringified inline.
func (r *Renderer) Render(template string, scope *Scope) string {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// No closing marker: the rest is literal text.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		name := strings.TrimSpace(template[start:end])
		token := template[i+idx : end+2]
		i = end + 2

		val, ok := r.lookup(name, scope)
		if !ok {
			if r.PreserveUnresolved {
				result.WriteString(token)
			}
			continue
		}
		result.WriteString(Stringify(val))
	}

	return result.String()
}

// RenderValue is Render with type preservation: when the whole template is
// exactly one placeholder, the resolved value keeps its type instead of
// being flattened to a string. "{{stats.count}}" yields the number, while
// "count: {{stats.count}}" yields a string.
func (r *Renderer) RenderValue(template string, scope *Scope) any {
	if name, ok := wholePlaceholder(template); ok {
		val, found := r.lookup(name, scope)
		if !found {
			if r.PreserveUnresolved {
				return template
			}
			return ""
		}
		return val
	}
	return r.Render(template, scope)
}

// RenderAny walks a decoded JSON value and renders every string leaf.
// Maps and slices are rebuilt; other values pass through unchanged.
// Used to interpolate a step's parameters before execution.
func (r *Renderer) RenderAny(v any, scope *Scope) any {
	switch val := v.(type) {
	case string:
		return r.RenderValue(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.RenderAny(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.RenderAny(item, scope)
		}
		return out
	default:
		return v
	}
}

// lookup resolves a placeholder name against the scope.
// An empty name never resolves. When the first path segment matches an
// input key or a step ID, resolution stays inside that namespace: a missing
// sub-field is unresolved, it does not fall through to the next source.
func (r *Renderer) lookup(name string, scope *Scope) (any, bool) {
	if name == "" || scope == nil {
		return nil, false
	}

	head, rest, dotted := strings.Cut(name, ".")

	if scope.Input != nil {
		if val, ok := scope.Input[name]; ok {
			return val, true
		}
		if dotted {
			if root, ok := scope.Input[head]; ok {
				return traversePath(root, strings.Split(rest, "."))
			}
		}
	}

	if scope.Steps != nil {
		if out, ok := scope.Steps[head]; ok {
			if !dotted {
				return out, true
			}
			return traversePath(out, strings.Split(rest, "."))
		}
	}

	if val, ok := scope.Builtins[name]; ok {
		return val, true
	}

	return nil, false
}

// Traverse resolves a dot-delimited path into nested maps, reporting whether
// every segment was present.
func Traverse(root any, path string) (any, bool) {
	return traversePath(root, strings.Split(path, "."))
}

// traversePath navigates into nested maps using dot-delimited segments.
func traversePath(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		if seg == "" {
			return nil, false
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := obj[seg]
		if !ok {
			return nil, false
		}
		current = val
	}
	return current, true
}

// wholePlaceholder reports whether the template is a single {{name}} token
// with nothing around it, returning the trimmed name.
func wholePlaceholder(template string) (string, bool) {
	trimmed := strings.TrimSpace(template)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// HasPlaceholders checks whether a string contains any {{name}} references.
func HasPlaceholders(s string) bool {
	open := strings.Index(s, "{{")
	return open != -1 && strings.Contains(s[open:], "}}")
}

// Stringify converts a resolved value into its inline string form for
// embedding within a larger template string. nil renders as empty: a null
// mid-sentence reads as a gap, not the word "null". Complex values are
// JSON-encoded.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
