package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/internal/diagram"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// handleStart launches a run from an inline definition or a registered name.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := s.requestedDefinition(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trigger := mcp.ParseStringMap(req, "trigger", nil)

	execID, err := s.runtime.Start(ctx, def, trigger)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}

	// Track the caller so waiting-state notifications come back here.
	s.captureSession(ctx, execID)

	return marshalResult(map[string]any{
		"execution_id": execID,
		"workflow_id":  def.ID,
	})
}

// requestedDefinition resolves the definition argument of start/diagram:
// an inline object wins, otherwise a registered name (latest version
// unless one is given).
func (s *Server) requestedDefinition(ctx context.Context, req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	if inline := mcp.ParseStringMap(req, "definition", nil); len(inline) > 0 {
		raw, err := json.Marshal(inline)
		if err != nil {
			return nil, fmt.Errorf("definition is not valid JSON: %w", err)
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("definition does not parse as a workflow: %w", err)
		}
		return &def, nil
	}

	name := req.GetString("definition_name", "")
	if name == "" {
		return nil, fmt.Errorf("either definition or definition_name is required")
	}
	return s.namedDefinition(ctx, name, req.GetInt("version", 0))
}

// namedDefinition loads a registered definition; version 0 means latest.
func (s *Server) namedDefinition(ctx context.Context, name string, version int) (*schema.WorkflowDefinition, error) {
	rec, err := s.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("definition lookup failed: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(rec.Definition, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "stored definition %q v%d is corrupt: %v", name, rec.Version, err)
	}
	return &def, nil
}

// handleStatus returns the status snapshot of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	snap, err := s.runtime.Status(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status lookup failed: %v", err)), nil
	}

	// A session polling a run is interested in its waiting states too.
	s.captureSession(ctx, execID)

	if !req.GetBool("include_events", false) {
		return marshalResult(snap)
	}

	events, err := s.runtime.Events(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event lookup failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"execution": snap,
		"events":    events,
	})
}

// handleResume answers a waiting approval step and reports the new status.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	if len(payload) == 0 {
		return mcp.NewToolResultError("payload is required"), nil
	}
	if by := req.GetString("resolved_by", ""); by != "" {
		payload["resolved_by"] = by
	}

	if err := s.runtime.Resume(ctx, execID, stepID, payload); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	s.captureSession(ctx, execID)

	result := map[string]any{
		"ok":           true,
		"execution_id": execID,
		"step_id":      stepID,
	}
	if snap, serr := s.runtime.Status(ctx, execID); serr == nil {
		result["status"] = snap.Status
	}
	return marshalResult(result)
}

// handleCancel stops a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.runtime.Cancel(ctx, execID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": execID,
		"status":       schema.ExecutionStatusCancelled,
	})
}

// handleCancelApproval withdraws a pending approval without killing the run.
func (s *Server) handleCancelApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	if err := s.runtime.CancelApproval(ctx, execID, stepID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel approval failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": execID,
		"step_id":      stepID,
	})
}

// handleDefine validates and registers a named definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	defMap := mcp.ParseStringMap(req, "definition", nil)
	if len(defMap) == 0 {
		return mcp.NewToolResultError("definition is required"), nil
	}

	raw, err := json.Marshal(defMap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition is not valid JSON: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition does not parse as a workflow: %v", err)), nil
	}
	if err := s.runtime.Validate(&def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition is invalid: %v", err)), nil
	}

	normalized, err := json.Marshal(&def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode definition: %v", err)), nil
	}
	version, err := s.store.PutDefinition(ctx, &store.DefinitionRecord{
		Name:        name,
		Description: req.GetString("description", ""),
		Definition:  normalized,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"name":    name,
		"version": version,
	})
}

// handleList queries executions, definitions, events, or schedules.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.listExecutions(ctx, filter)
	case "definitions":
		return s.listDefinitions(ctx)
	case "events":
		return s.listEvents(ctx, filter)
	case "schedules":
		return s.listSchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q (want executions, definitions, events, or schedules)", resource)), nil
	}
}

func (s *Server) listExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ExecutionFilter{
		WorkflowID: stringField(filter, "workflow_id"),
		Status:     schema.ExecutionStatus(stringField(filter, "status")),
		Limit:      intField(filter, "limit"),
		Offset:     intField(filter, "offset"),
	}
	if since := stringField(filter, "since"); since != "" {
		t, perr := time.Parse(time.RFC3339, since)
		if perr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", perr)), nil
		}
		f.Since = &t
	}

	execs, err := s.store.ListExecutions(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}

	// Definitions are dropped from list output; fetch a single run to see one.
	summaries := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		summaries = append(summaries, executionSummary(e))
	}
	return marshalResult(map[string]any{"executions": summaries})
}

func executionSummary(e *store.Execution) map[string]any {
	summary := map[string]any{
		"execution_id": e.ID,
		"workflow_id":  e.WorkflowID,
		"name":         e.Name,
		"status":       e.Status,
		"created_at":   e.CreatedAt,
	}
	if e.StartedAt != nil {
		summary["started_at"] = e.StartedAt
	}
	if e.CompletedAt != nil {
		summary["completed_at"] = e.CompletedAt
	}
	if len(e.Error) > 0 {
		summary["error"] = json.RawMessage(e.Error)
	}
	return summary
}

func (s *Server) listDefinitions(ctx context.Context) (*mcp.CallToolResult, error) {
	recs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	type defSummary struct {
		Name        string    `json:"name"`
		Version     int       `json:"version"`
		Description string    `json:"description,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}
	summaries := make([]defSummary, 0, len(recs))
	for _, r := range recs {
		summaries = append(summaries, defSummary{
			Name:        r.Name,
			Version:     r.Version,
			Description: r.Description,
			CreatedAt:   r.CreatedAt,
		})
	}
	return marshalResult(map[string]any{"definitions": summaries})
}

func (s *Server) listEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	execID := stringField(filter, "execution_id")
	eventType := stringField(filter, "event_type")

	var (
		events []*store.Event
		err    error
	)
	switch {
	case eventType != "":
		events, err = s.store.GetEventsByType(ctx, eventType, store.EventFilter{
			ExecutionID: execID,
			StepID:      stringField(filter, "step_id"),
			AfterSeq:    int64(intField(filter, "after_seq")),
			Limit:       intField(filter, "limit"),
		})
	case execID != "":
		events, err = s.store.GetEvents(ctx, execID, int64(intField(filter, "after_seq")))
	default:
		return mcp.NewToolResultError("filter.execution_id or filter.event_type is required for events"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) listSchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	jobs, err := s.store.ListScheduledJobs(ctx, boolField(filter, "enabled_only"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": jobs})
}

// handleDiagram renders a workflow graph as ascii, mermaid, or a PNG.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	var (
		def     *schema.WorkflowDefinition
		results map[string]*schema.StepResult
	)
	if execID := req.GetString("execution_id", ""); execID != "" {
		exec, gerr := s.store.GetExecution(ctx, execID)
		if gerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", gerr)), nil
		}
		var d schema.WorkflowDefinition
		if uerr := json.Unmarshal(exec.Definition, &d); uerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stored definition is corrupt: %v", uerr)), nil
		}
		def = &d
		if req.GetBool("include_status", true) {
			if snap, serr := s.runtime.Status(ctx, execID); serr == nil {
				results = snap.StepResults
			}
		}
	} else if name := req.GetString("definition_name", ""); name != "" {
		def, err = s.namedDefinition(ctx, name, req.GetInt("version", 0))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	} else {
		return mcp.NewToolResultError("either definition_name or execution_id is required"), nil
	}

	model, err := diagram.Build(def, results)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, rerr := diagram.RenderImage(ctx, model)
		if rerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", rerr)), nil
		}
		return marshalResult(map[string]any{
			"format":     "png",
			"encoding":   "base64",
			"image_data": base64.StdEncoding.EncodeToString(png),
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q (want ascii, mermaid, or image)", format)), nil
	}
}

// --- helpers ---

// captureSession links the calling MCP session to a run so the notifier
// can push waiting-state events back to it. No-op outside a session.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Track(executionID, session.SessionID())
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
