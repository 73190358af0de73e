package panel

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/stepflow-io/stepflow/internal/diagram"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// handleOverview reports run counts by status, pending approvals, and the
// most recent runs.
func (s *PanelServer) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	countByStatus := func(status schema.ExecutionStatus) int {
		execs, err := s.deps.Store.ListExecutions(ctx, store.ExecutionFilter{Status: status, Limit: 1000})
		if err != nil {
			return 0
		}
		return len(execs)
	}

	todayStart := time.Now().UTC().Truncate(24 * time.Hour)
	completedToday := 0
	if execs, err := s.deps.Store.ListExecutions(ctx, store.ExecutionFilter{
		Status: schema.ExecutionStatusCompleted,
		Since:  &todayStart,
		Limit:  1000,
	}); err == nil {
		completedToday = len(execs)
	}

	approvals, _ := s.deps.Store.ListApprovals(ctx, store.ApprovalFilter{
		Status: store.ApprovalPending,
		Limit:  10,
	})

	recent, _ := s.deps.Store.ListExecutions(ctx, store.ExecutionFilter{Limit: 10})
	recentSummaries := make([]map[string]any, 0, len(recent))
	for _, e := range recent {
		recentSummaries = append(recentSummaries, executionSummary(e))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"running":           countByStatus(schema.ExecutionStatusRunning),
		"waiting":           countByStatus(schema.ExecutionStatusWaiting),
		"failed":            countByStatus(schema.ExecutionStatusFailed),
		"completed_today":   completedToday,
		"pending_approvals": approvals,
		"recent_executions": recentSummaries,
	})
}

func (s *PanelServer) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Status:     schema.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}

	execs, err := s.deps.Store.ListExecutions(ctx, filter)
	if err != nil {
		s.deps.Logger.Error("list executions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	summaries := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		summaries = append(summaries, executionSummary(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": summaries})
}

func (s *PanelServer) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	exec, err := s.deps.Store.GetExecution(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	steps, _ := s.deps.Store.ListStepStates(ctx, id)
	events, _ := s.deps.Store.GetEvents(ctx, id, 0)
	approvals, _ := s.deps.Store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: id})

	writeJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"steps":     steps,
		"events":    events,
		"approvals": approvals,
	})
}

// handleExecutionDiagram renders the run's graph with live step status.
func (s *PanelServer) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	exec, err := s.deps.Store.GetExecution(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(exec.Definition, &def); err != nil {
		writeError(w, http.StatusInternalServerError, "stored definition is corrupt")
		return
	}

	// Live runs answer from the engine; settled or recovered ones fall
	// back to the materialized step states.
	var results map[string]*schema.StepResult
	if snap, serr := s.deps.Runtime.Status(ctx, id); serr == nil {
		results = snap.StepResults
	} else if states, lerr := s.deps.Store.ListStepStates(ctx, id); lerr == nil {
		results = stepResultsFromStates(states)
	}

	model, err := diagram.Build(&def, results)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "diagram build failed")
		return
	}

	switch r.URL.Query().Get("format") {
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderASCII(model)))
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "png":
		png, rerr := diagram.RenderImage(ctx, model)
		if rerr != nil {
			writeError(w, http.StatusInternalServerError, "image render failed")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid, ascii, or png")
	}
}

func (s *PanelServer) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListDefinitions(r.Context())
	if err != nil {
		s.deps.Logger.Error("list definitions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": recs})
}

func (s *PanelServer) handleDefinitionDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "version must be an integer")
			return
		}
		version = n
	}

	rec, err := s.deps.Store.GetDefinition(r.Context(), name, version)
	if err != nil {
		writeError(w, http.StatusNotFound, "definition not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *PanelServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := store.ApprovalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.ApprovalPending
	}

	approvals, err := s.deps.Store.ListApprovals(r.Context(), store.ApprovalFilter{
		ExecutionID: r.URL.Query().Get("execution_id"),
		Status:      status,
		Limit:       queryInt(r, "limit", 50),
	})
	if err != nil {
		s.deps.Logger.Error("list approvals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *PanelServer) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled_only") == "true"

	jobs, err := s.deps.Store.ListScheduledJobs(r.Context(), enabledOnly)
	if err != nil {
		s.deps.Logger.Error("list schedules failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": jobs})
}

func (s *PanelServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	executionID := r.URL.Query().Get("execution_id")
	eventType := r.URL.Query().Get("event_type")

	var (
		events []*store.Event
		err    error
	)
	switch {
	case eventType != "":
		events, err = s.deps.Store.GetEventsByType(ctx, eventType, store.EventFilter{
			ExecutionID: executionID,
			Limit:       queryInt(r, "limit", 100),
		})
	case executionID != "":
		events, err = s.deps.Store.GetEvents(ctx, executionID, int64(queryInt(r, "after_seq", 0)))
	default:
		writeError(w, http.StatusBadRequest, "execution_id or event_type is required")
		return
	}
	if err != nil {
		s.deps.Logger.Error("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
