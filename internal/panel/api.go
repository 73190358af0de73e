package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// cronParser matches the scheduler's 5-field format.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// handleCreateDefinition validates and registers a named definition.
func (s *PanelServer) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Name        string                    `json:"name"`
		Description string                    `json:"description"`
		Definition  schema.WorkflowDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.deps.Runtime.Validate(&body.Definition); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("definition is invalid: %v", err))
		return
	}

	raw, err := json.Marshal(&body.Definition)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("encode definition: %v", err))
		return
	}
	version, err := s.deps.Store.PutDefinition(ctx, &store.DefinitionRecord{
		Name:        body.Name,
		Description: body.Description,
		Definition:  raw,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("store definition: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"name":    body.Name,
		"version": version,
	})
}

// handleDeleteDefinition removes every version of a named definition.
func (s *PanelServer) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.deps.Store.DeleteDefinition(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("delete definition: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": name})
}

// handleStartExecution launches a run from an inline definition or a
// registered name.
func (s *PanelServer) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Definition     *schema.WorkflowDefinition `json:"definition"`
		DefinitionName string                     `json:"definition_name"`
		Version        int                        `json:"version"`
		Trigger        map[string]any             `json:"trigger"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	def := body.Definition
	if def == nil {
		if body.DefinitionName == "" {
			writeError(w, http.StatusBadRequest, "definition or definition_name is required")
			return
		}
		rec, err := s.deps.Store.GetDefinition(ctx, body.DefinitionName, body.Version)
		if err != nil {
			writeError(w, http.StatusNotFound, "definition not found")
			return
		}
		var d schema.WorkflowDefinition
		if err := json.Unmarshal(rec.Definition, &d); err != nil {
			writeError(w, http.StatusInternalServerError, "stored definition is corrupt")
			return
		}
		def = &d
	}

	execID, err := s.deps.Runtime.Start(ctx, def, body.Trigger)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("start failed: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"execution_id": execID})
}

// handleCancelExecution stops a running or waiting run.
func (s *PanelServer) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.deps.Runtime.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("cancel failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "execution_id": id})
}

// handleRerunExecution starts a fresh run with the original definition
// and trigger data.
func (s *PanelServer) handleRerunExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	original, err := s.deps.Store.GetExecution(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(original.Definition, &def); err != nil {
		writeError(w, http.StatusInternalServerError, "stored definition is corrupt")
		return
	}

	execID, err := s.deps.Runtime.Start(ctx, &def, original.TriggerData)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("start failed: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"execution_id": execID,
		"rerun_of":     id,
	})
}

// handleResumeStep answers a waiting approval step.
func (s *PanelServer) handleResumeStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	stepID := r.PathValue("step")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "resume payload is required")
		return
	}
	if _, ok := payload["resolved_by"]; !ok {
		payload["resolved_by"] = "panel"
	}

	if err := s.deps.Runtime.Resume(ctx, id, stepID, payload); err != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("resume failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"execution_id": id,
		"step_id":      stepID,
	})
}

// handleCreateSchedule registers a cron job for a named definition.
func (s *PanelServer) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		DefinitionName string         `json:"definition_name"`
		CronExpr       string         `json:"cron_expr"`
		TriggerData    map[string]any `json:"trigger_data"`
		Enabled        *bool          `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.DefinitionName == "" || body.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "definition_name and cron_expr are required")
		return
	}
	if _, err := s.deps.Store.GetDefinition(ctx, body.DefinitionName, 0); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("definition %q is not registered", body.DefinitionName))
		return
	}
	sched, err := cronParser.Parse(body.CronExpr)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron expression: %v", err))
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	now := time.Now().UTC()
	next := sched.Next(now)
	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		DefinitionName: body.DefinitionName,
		CronExpr:       body.CronExpr,
		TriggerData:    body.TriggerData,
		Enabled:        enabled,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.deps.Store.CreateScheduledJob(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create schedule: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          job.ID,
		"next_run_at": next,
	})
}

// handleUpdateSchedule toggles a job. Re-enabling recomputes the next
// slot so the job does not fire for the time it spent disabled.
func (s *PanelServer) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	update := store.JobUpdate{Enabled: body.Enabled}
	if body.Enabled != nil && *body.Enabled {
		job, err := s.deps.Store.GetScheduledJob(ctx, jobID)
		if err != nil {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		if sched, perr := cronParser.Parse(job.CronExpr); perr == nil {
			next := sched.Next(time.Now().UTC())
			update.NextRunAt = &next
		}
	}

	if err := s.deps.Store.UpdateScheduledJob(ctx, jobID, update); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("update schedule: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": jobID})
}

// handleDeleteSchedule removes a job.
func (s *PanelServer) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	if err := s.deps.Store.DeleteScheduledJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("delete schedule: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": jobID})
}
