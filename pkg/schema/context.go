package schema

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StepResult is the outcome of one step dispatch.
type StepResult struct {
	StepID          string         `json:"step_id"`
	Status          StepStatus     `json:"status"`
	OutputData      map[string]any `json:"output_data,omitempty"`
	Error           *FlowError     `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	RetryCount      int            `json:"retry_count,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// CompletedResult builds a successful StepResult.
func CompletedResult(stepID string, output map[string]any) *StepResult {
	return &StepResult{StepID: stepID, Status: StepStatusCompleted, OutputData: output}
}

// WaitingResult builds a suspension StepResult. Waiting is a normal
// suspension, never an error: it must not mark the step completed and must
// not unblock dependents.
func WaitingResult(stepID string, output map[string]any) *StepResult {
	return &StepResult{StepID: stepID, Status: StepStatusWaiting, OutputData: output}
}

// FailedResult builds a failed StepResult from a structured error.
func FailedResult(stepID string, err *FlowError) *StepResult {
	return &StepResult{StepID: stepID, Status: StepStatusFailed, Error: err}
}

// ContextView is the read-only surface step executors receive. Executors
// must not mutate run state except through the StepResult they return.
type ContextView interface {
	ExecutionID() string
	WorkflowID() string
	TriggerData() map[string]any
	StepInput(stepID string) (map[string]any, bool)
	OutputOf(stepID string) map[string]any
	IsCompleted(stepID string) bool
	CompletedSteps() []string
}

// ExecutionContext is the mutable per-run state: status, completed-step
// set, per-step results, and pending-input buffers for interactive steps.
// It is owned exclusively by the engine driving the run; concurrent step
// dispatches within a run touch disjoint keys, guarded by the single
// internal mutex (the only lock in the design).
type ExecutionContext struct {
	mu sync.Mutex

	executionID string
	workflowID  string
	status      ExecutionStatus
	completed   map[string]struct{}
	results     map[string]*StepResult
	stepIO      map[string]map[string]any
	trigger     map[string]any
	startedAt   time.Time
	completedAt *time.Time
}

// NewExecutionContext creates the state for a fresh run in pending status.
func NewExecutionContext(workflowID string, trigger map[string]any) *ExecutionContext {
	return &ExecutionContext{
		executionID: uuid.New().String(),
		workflowID:  workflowID,
		status:      ExecutionStatusPending,
		completed:   make(map[string]struct{}),
		results:     make(map[string]*StepResult),
		stepIO:      make(map[string]map[string]any),
		trigger:     trigger,
		startedAt:   time.Now().UTC(),
	}
}

func (c *ExecutionContext) ExecutionID() string { return c.executionID }
func (c *ExecutionContext) WorkflowID() string  { return c.workflowID }

// Status returns the current run status.
func (c *ExecutionContext) Status() ExecutionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus records a run status change. Transition legality is enforced
// by the engine's state machine, not here.
func (c *ExecutionContext) SetStatus(status ExecutionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	if status.IsTerminal() && c.completedAt == nil {
		now := time.Now().UTC()
		c.completedAt = &now
	}
}

// TriggerData returns the initial payload the run was started with.
func (c *ExecutionContext) TriggerData() map[string]any {
	return c.trigger
}

// StoreResult records a step outcome. Only a completed result adds the
// step to the completed set; output_data becomes visible to dependents in
// the same locked operation, so a membership check on the completed set
// happens-before any read of the output.
func (c *ExecutionContext) StoreResult(res *StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[res.StepID] = res
	if res.Status == StepStatusCompleted {
		c.completed[res.StepID] = struct{}{}
	}
}

// MarkSkipped records a step as skipped (condition false or unreachable).
func (c *ExecutionContext) MarkSkipped(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[stepID]; !exists {
		c.results[stepID] = &StepResult{StepID: stepID, Status: StepStatusSkipped}
	}
}

// Result returns the recorded result for a step. Results are treated as
// immutable once stored.
func (c *ExecutionContext) Result(stepID string) (*StepResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[stepID]
	return res, ok
}

// StatusOf returns the step's recorded status, or pending if the step has
// not been dispatched yet.
func (c *ExecutionContext) StatusOf(stepID string) StepStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.results[stepID]; ok {
		return res.Status
	}
	return StepStatusPending
}

// IsCompleted reports whether the step finished successfully.
func (c *ExecutionContext) IsCompleted(stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.completed[stepID]
	return ok
}

// CompletedSteps returns the completed step IDs in sorted order.
func (c *ExecutionContext) CompletedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.completed))
	for id := range c.completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CompletedCount returns the size of the completed set.
func (c *ExecutionContext) CompletedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed)
}

// FailedSteps returns the IDs of steps with a failed result, sorted.
func (c *ExecutionContext) FailedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, res := range c.results {
		if res.Status == StepStatusFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// WaitingSteps returns the IDs of steps currently suspended on external
// input, sorted.
func (c *ExecutionContext) WaitingSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, res := range c.results {
		if res.Status == StepStatusWaiting {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OutputOf returns a completed step's output data, or nil if the step has
// not completed. A waiting result never exposes output to dependents.
func (c *ExecutionContext) OutputOf(stepID string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.completed[stepID]; !ok {
		return nil
	}
	if res, ok := c.results[stepID]; ok {
		return res.OutputData
	}
	return nil
}

// InjectInput writes a resume payload into the step's io buffer. The next
// dispatch of that step observes it via StepInput.
func (c *ExecutionContext) InjectInput(stepID string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepIO[stepID] = payload
}

// StepInput returns the injected payload for a step, if any.
func (c *ExecutionContext) StepInput(stepID string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.stepIO[stepID]
	return payload, ok
}

// StartedAt returns the run start time.
func (c *ExecutionContext) StartedAt() time.Time { return c.startedAt }

// CompletedAt returns the terminal timestamp, or nil while the run is live.
func (c *ExecutionContext) CompletedAt() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedAt
}

// ExecutionSnapshot is the serializable form of an ExecutionContext, used
// for status reporting and durable persistence.
type ExecutionSnapshot struct {
	ExecutionID    string                    `json:"execution_id"`
	WorkflowID     string                    `json:"workflow_id"`
	Status         ExecutionStatus           `json:"status"`
	CompletedSteps []string                  `json:"completed_steps"`
	StepResults    map[string]*StepResult    `json:"step_results"`
	StepIOData     map[string]map[string]any `json:"step_io_data,omitempty"`
	TriggerData    map[string]any            `json:"trigger_data,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	CompletedAt    *time.Time                `json:"completed_at,omitempty"`
}

// Snapshot captures a consistent copy of the run state.
func (c *ExecutionContext) Snapshot() *ExecutionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	completed := make([]string, 0, len(c.completed))
	for id := range c.completed {
		completed = append(completed, id)
	}
	sort.Strings(completed)

	results := make(map[string]*StepResult, len(c.results))
	for id, res := range c.results {
		results[id] = res
	}
	stepIO := make(map[string]map[string]any, len(c.stepIO))
	for id, payload := range c.stepIO {
		stepIO[id] = payload
	}

	return &ExecutionSnapshot{
		ExecutionID:    c.executionID,
		WorkflowID:     c.workflowID,
		Status:         c.status,
		CompletedSteps: completed,
		StepResults:    results,
		StepIOData:     stepIO,
		TriggerData:    c.trigger,
		StartedAt:      c.startedAt,
		CompletedAt:    c.completedAt,
	}
}

// MarshalJSON serializes the context through its snapshot.
func (c *ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// RestoreExecutionContext rebuilds a context from a snapshot, e.g. after a
// durable replay. Completed-set membership is derived from the snapshot's
// step results in addition to the explicit list, so a snapshot built from
// an event log needs no separate bookkeeping.
func RestoreExecutionContext(snap *ExecutionSnapshot) *ExecutionContext {
	c := &ExecutionContext{
		executionID: snap.ExecutionID,
		workflowID:  snap.WorkflowID,
		status:      snap.Status,
		completed:   make(map[string]struct{}, len(snap.CompletedSteps)),
		results:     make(map[string]*StepResult, len(snap.StepResults)),
		stepIO:      make(map[string]map[string]any, len(snap.StepIOData)),
		trigger:     snap.TriggerData,
		startedAt:   snap.StartedAt,
		completedAt: snap.CompletedAt,
	}
	for _, id := range snap.CompletedSteps {
		c.completed[id] = struct{}{}
	}
	for id, res := range snap.StepResults {
		c.results[id] = res
		if res.Status == StepStatusCompleted {
			c.completed[id] = struct{}{}
		}
	}
	for id, payload := range snap.StepIOData {
		c.stepIO[id] = payload
	}
	return c
}

var _ ContextView = (*ExecutionContext)(nil)
