package steps

import (
	"context"
	"encoding/json"

	"github.com/stepflow-io/stepflow/internal/approval"
	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

const approvalConfigSchema = `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "options": {"type": "array", "items": {"type": "string"}},
    "timeout_seconds": {"type": "integer", "minimum": 1},
    "multi_turn": {"type": "boolean", "default": false},
    "metadata": {"type": "object"}
  }
}`

// approvalExecutor implements the interactive wait protocol. The first
// dispatch finds no injected payload and suspends with the assembled
// request; each resume re-dispatches the step with the payload visible via
// the view, and the executor either completes with the decision or
// suspends again. Wait deadlines are the backend's job: the executor only
// surfaces timeout_seconds in its waiting output.
type approvalExecutor struct{}

// NewApprovalExecutor creates the approval executor.
func NewApprovalExecutor() Executor {
	return &approvalExecutor{}
}

func (e *approvalExecutor) Type() string { return "approval" }

func (e *approvalExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "approval",
		Description: "Suspend until an external party supplies a decision",
		InputSchema: json.RawMessage(approvalConfigSchema),
	}
}

func (e *approvalExecutor) Execute(_ context.Context, req Request) (*schema.StepResult, error) {
	cfg := req.Step.ApprovalSettings()
	scope := expressions.BuildScope(req.View, req.Input)
	request := approval.BuildRequest(cfg, scope)

	payload, ok := req.View.StepInput(req.Step.ID)
	if !ok {
		return schema.WaitingResult(req.Step.ID, request.Output()), nil
	}

	decision, terminal := approval.Outcome(cfg, payload)
	if !terminal {
		out := request.Output()
		out["last_response"] = payload
		return schema.WaitingResult(req.Step.ID, out), nil
	}

	return schema.CompletedResult(req.Step.ID, map[string]any{
		"decision": decision,
		"response": payload,
	}), nil
}
