package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Runtime is the engine surface the tool handlers drive. *engine.Engine
// satisfies it.
type Runtime interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, trigger map[string]any) (string, error)
	Status(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
	Events(ctx context.Context, executionID string) ([]engine.RunEvent, error)
	Resume(ctx context.Context, executionID, stepID string, payload map[string]any) error
	Cancel(ctx context.Context, executionID string) error
	CancelApproval(ctx context.Context, executionID, stepID string) error
	Validate(def *schema.WorkflowDefinition) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runtime  Runtime
	Store    store.Store
	Hub      streaming.EventHub
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// Server wraps an MCP server with the stepflow tool handlers.
type Server struct {
	runtime   Runtime
	store     store.Store
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 8 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		runtime:  deps.Runtime,
		store:    deps.Store,
		hub:      deps.Hub,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs workflow definitions as dependency-ordered step graphs with human approval gates. Use stepflow.start to launch a run (inline definition or registered name), stepflow.status to inspect progress, stepflow.resume to answer a waiting approval step, stepflow.cancel to stop a run, stepflow.cancel_approval to withdraw a pending approval, stepflow.define to register a named definition, stepflow.list to query runs/definitions/events/schedules, and stepflow.diagram to render a workflow graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the execution-to-session registry shared with the notifier.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: cancelApprovalTool(), Handler: s.handleCancelApproval},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("stepflow.start",
		mcp.WithDescription("Start a workflow run from an inline definition or a registered name"),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition object")),
		mcp.WithString("definition_name", mcp.Description("Name of a registered definition (alternative to definition)")),
		mcp.WithNumber("version", mcp.Description("Registered definition version (default: latest)")),
		mcp.WithObject("trigger", mcp.Description("Trigger payload handed to the run")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the status snapshot of a run"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
		mcp.WithBoolean("include_events", mcp.Description("Attach the run's event log (default: false)")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Resume a run that is waiting on an approval step"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting run")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the waiting approval step")),
		mcp.WithObject("payload", mcp.Required(), mcp.Description("Resume payload; decision must be one of the step's accepted options")),
		mcp.WithString("resolved_by", mcp.Description("Identity recorded on the approval")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a run"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func cancelApprovalTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel_approval",
		mcp.WithDescription("Withdraw a pending approval; the gated step is skipped and the run continues"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting run")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the waiting approval step")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Register a named workflow definition (versions auto-increment)"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Definition name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithString("description", mcp.Description("Definition description")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("stepflow.list",
		mcp.WithDescription("Query runs, registered definitions, run events, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "definitions", "events", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_id, since, limit, execution_id, event_type, step_id, after_seq, enabled_only)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Render a workflow graph. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG"),
		mcp.WithString("definition_name", mcp.Description("Registered definition to render")),
		mcp.WithNumber("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithString("execution_id", mcp.Description("Run to render (includes step status by default)")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithBoolean("include_status", mcp.Description("Overlay live step status (default: true for execution_id)")),
	)
}
