package store

import (
	"encoding/json"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Execution is the persisted representation of a workflow run.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Name        string                 `json:"name,omitempty"`
	Definition  json.RawMessage        `json:"definition"`
	Status      schema.ExecutionStatus `json:"status"`
	TriggerData map[string]any         `json:"trigger_data,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ExecutionUpdate describes a partial update to an execution row.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Error       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ExecutionFilter narrows ListExecutions results. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// Event is one entry in the append-only execution log. Sequence is
// monotonically increasing per execution, starting at 1.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// EventFilter narrows GetEvents results.
type EventFilter struct {
	ExecutionID string
	StepID      string
	Type        string
	AfterSeq    int64
	Limit       int
}

// StepState is the materialized per-step view kept alongside the event log.
// The log is the source of truth; step_states exists for cheap status reads.
type StepState struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// ApprovalStatus tracks the lifecycle of a pending human decision.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalResolved  ApprovalStatus = "resolved"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalTimedOut  ApprovalStatus = "timed_out"
)

// Approval is a persisted wait point for a human-in-the-loop step. The ID is
// derived from execution and step so at most one approval exists per wait.
type Approval struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Prompt      string          `json:"prompt,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Status      ApprovalStatus  `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	TimeoutAt   *time.Time      `json:"timeout_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// ApprovalID builds the deterministic approval key for a waiting step.
func ApprovalID(executionID, stepID string) string {
	return executionID + "_" + stepID
}

// ApprovalFilter narrows ListApprovals results.
type ApprovalFilter struct {
	ExecutionID string
	Status      ApprovalStatus
	Limit       int
}

// DefinitionRecord is a named, versioned workflow definition. Versions are
// assigned by the store on insert, starting at 1.
type DefinitionRecord struct {
	Name        string          `json:"name"`
	Version     int             `json:"version"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ScheduledJob triggers a named definition on a cron expression.
type ScheduledJob struct {
	ID             string         `json:"id"`
	DefinitionName string         `json:"definition_name"`
	CronExpr       string         `json:"cron_expr"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastStatus     string         `json:"last_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// JobUpdate describes a partial update to a scheduled job row.
type JobUpdate struct {
	Enabled    *bool
	LastRunAt  *time.Time
	NextRunAt  *time.Time
	LastStatus *string
}
