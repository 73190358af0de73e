package panel

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// executionSummary flattens a row for list output, dropping the embedded
// definition JSON.
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

// stepResultsFromStates rebuilds the diagram overlay from materialized
// step rows when the run is no longer live in the engine.
func stepResultsFromStates(states []*store.StepState) map[string]*schema.StepResult {
	results := make(map[string]*schema.StepResult, len(states))
	for _, st := range states {
		res := &schema.StepResult{
			StepID:          st.StepID,
			Status:          st.Status,
			ExecutionTimeMs: st.DurationMs,
			RetryCount:      st.RetryCount,
			StartedAt:       st.StartedAt,
			CompletedAt:     st.CompletedAt,
		}
		if len(st.Error) > 0 {
			var fe schema.FlowError
			if err := json.Unmarshal(st.Error, &fe); err == nil {
				res.Error = &fe
			}
		}
		results[st.StepID] = res
	}
	return results
}
