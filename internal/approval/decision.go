package approval

import (
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Resume payload fields recognized by approval steps.
const (
	FieldDecision  = "decision"
	FieldFinalTurn = "final_turn"
)

// DefaultOptions is the decision pair single-turn approvals accept when the
// definition does not configure its own.
var DefaultOptions = []string{"approved", "denied"}

// ValidateDecision checks the chosen decision against the configured
// options. Empty options accept any non-empty decision (free-form).
func ValidateDecision(options []string, decision string) error {
	if decision == "" {
		return schema.NewError(schema.ErrCodeValidation, "resume payload has no decision")
	}
	if len(options) == 0 {
		return nil
	}
	for _, opt := range options {
		if opt == decision {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "decision %q is not one of the configured options", decision)
}

// Outcome classifies a resume payload. terminal reports whether the payload
// ends the wait; decision is what gets recorded when it does. Multi-turn
// conversations end only on final_turn, recording "completed" when the
// final payload names no decision. Single-turn payloads end the wait only
// when the decision is recognized, so an unrecognized reply leaves the step
// waiting instead of failing the run.
func Outcome(cfg schema.ApprovalConfig, payload map[string]any) (decision string, terminal bool) {
	decision, _ = payload[FieldDecision].(string)

	if cfg.MultiTurn {
		final, _ := payload[FieldFinalTurn].(bool)
		if !final {
			return decision, false
		}
		if decision == "" {
			decision = "completed"
		}
		return decision, true
	}

	if err := ValidateDecision(cfg.Options, decision); err != nil {
		return decision, false
	}
	return decision, true
}
