package approval

import (
	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Request is the assembled approval request presented to whoever must
// respond. It becomes the output_data of the waiting step and, on the
// durable backend, the approval record persisted while the wait is open.
type Request struct {
	Prompt         string         `json:"prompt"`
	Options        []string       `json:"options,omitempty"`
	MultiTurn      bool           `json:"multi_turn,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// BuildRequest assembles the request for one approval step. The prompt and
// any string values inside metadata are rendered against the step's scope,
// so a template like "Deploy {{build.version}}?" resolves to concrete
// values at suspension time.
func BuildRequest(cfg schema.ApprovalConfig, scope *expressions.Scope) Request {
	r := &expressions.Renderer{}
	req := Request{
		Prompt:         r.Render(cfg.Prompt, scope),
		Options:        cfg.Options,
		MultiTurn:      cfg.MultiTurn,
		TimeoutSeconds: cfg.TimeoutSeconds,
	}
	if cfg.Metadata != nil {
		if rendered, ok := r.RenderAny(cfg.Metadata, scope).(map[string]any); ok {
			req.Metadata = rendered
		}
	}
	return req
}

// Output converts the request into the waiting step's output_data map.
// Zero-valued fields are omitted so the output stays minimal.
func (r Request) Output() map[string]any {
	out := map[string]any{"prompt": r.Prompt}
	if len(r.Options) > 0 {
		out["options"] = r.Options
	}
	if r.MultiTurn {
		out["multi_turn"] = true
	}
	if r.TimeoutSeconds > 0 {
		out["timeout_seconds"] = r.TimeoutSeconds
	}
	if r.Metadata != nil {
		out["metadata"] = r.Metadata
	}
	return out
}
