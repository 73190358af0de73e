package streaming

import (
	"context"

	"github.com/stepflow-io/stepflow/internal/engine"
)

// RunEventHook adapts an EventHub into an engine event hook, so every event
// the engine records is also broadcast live. Register it with
// Engine.OnEvent before starting runs.
func RunEventHook(hub EventHub) engine.EventHook {
	return func(ev engine.RunEvent) {
		_ = hub.Publish(context.Background(), FromRunEvent(ev))
	}
}

// FromRunEvent converts an engine event into its streaming form.
func FromRunEvent(ev engine.RunEvent) StreamEvent {
	return StreamEvent{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		StepID:      ev.StepID,
		Type:        ev.Type,
		Payload:     ev.Payload,
		Timestamp:   ev.Timestamp,
	}
}
