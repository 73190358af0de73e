package validation

import "github.com/stepflow-io/stepflow/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for definition and trigger validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// TypeLookup reports whether a step type has a registered executor.
// Passing nil to the validator skips the executor existence check.
type TypeLookup interface {
	Has(stepType string) bool
}
