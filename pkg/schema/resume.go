package schema

// ResumeMessage is an externally supplied payload for a suspended step:
// a human approval decision, a chat turn, or arbitrary data an interactive
// step is waiting on. The engine writes the payload into the run's
// step_io_data and re-dispatches exactly the addressed step.
type ResumeMessage struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	ResumedBy   string         `json:"resumed_by,omitempty"`
}

// Well-known resume payload keys recognized by interactive steps.
const (
	ResumeKeyDecision  = "decision"   // terminal decision value (e.g. approved, denied)
	ResumeKeyFinalTurn = "final_turn" // bool: ends a multi-turn exchange
	ResumeKeyMessage   = "message"    // free-form chat turn content
)

// Decision values accepted by approval steps when no explicit option list
// is configured.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)
