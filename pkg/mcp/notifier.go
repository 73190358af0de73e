package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Notifier watches the event hub for waiting-state events and pushes
// them to the MCP session driving the run. Delivery is best-effort: runs
// nobody is driving are skipped, and a bounced send drops the stale
// session mapping.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewNotifier creates a notifier bound to the server's session registry.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		hub:       hub,
		logger:    logger,
	}
}

// Watch subscribes to approval and waiting events and forwards them
// until ctx is cancelled.
func (n *Notifier) Watch(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventApprovalRequested,
			schema.EventExecutionWaiting,
		},
	})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.forward(ev)
			}
		}
	}()
	return nil
}

func (n *Notifier) forward(ev streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return // nobody is driving this run
	}

	payload := map[string]any{
		"event_type":   ev.Type,
		"execution_id": ev.ExecutionID,
		"workflow_id":  ev.WorkflowID,
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
	}
	if len(ev.Payload) > 0 {
		payload["data"] = ev.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session disconnected between lookup and send.
		n.sessions.RemoveSession(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("waiting notification dropped",
			"execution_id", ev.ExecutionID,
			"session_id", sessionID,
			"error", err)
	}
}
