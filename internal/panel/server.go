package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Runtime is the engine surface the panel drives. *engine.Engine
// satisfies it.
type Runtime interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, trigger map[string]any) (string, error)
	Status(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
	Resume(ctx context.Context, executionID, stepID string, payload map[string]any) error
	Cancel(ctx context.Context, executionID string) error
	Validate(def *schema.WorkflowDefinition) error
}

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Store   store.Store
	Runtime Runtime
	Hub     streaming.EventHub
	Logger  *slog.Logger
}

// PanelServer serves the operations API: JSON endpoints for inspecting
// and steering runs, plus SSE streams fed by the event hub.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Read API.
	mux.HandleFunc("GET /api/overview", s.handleOverview)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleExecutionDetail)
	mux.HandleFunc("GET /api/executions/{id}/diagram", s.handleExecutionDiagram)
	mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)
	mux.HandleFunc("GET /api/definitions/{name}", s.handleDefinitionDetail)
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /api/events", s.handleListEvents)

	// Mutations.
	mux.HandleFunc("POST /api/definitions", s.handleCreateDefinition)
	mux.HandleFunc("DELETE /api/definitions/{name}", s.handleDeleteDefinition)
	mux.HandleFunc("POST /api/executions", s.handleStartExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /api/executions/{id}/rerun", s.handleRerunExecution)
	mux.HandleFunc("POST /api/executions/{id}/steps/{step}/resume", s.handleResumeStep)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	return mux
}
