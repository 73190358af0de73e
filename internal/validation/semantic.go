package validation

import (
	"fmt"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// builtinSources are the bare injector variables accepted as input_mapping
// sources alongside step IDs and the trigger payload.
var builtinSources = map[string]bool{
	"timestamp":    true,
	"now":          true,
	"uuid":         true,
	"execution_id": true,
	"workflow_id":  true,
}

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: step types registered, dependency refs valid, input_mapping sources
// valid, merge fan-in shape, on_error fallback refs, engine config decodable.
func validateSemantic(def *schema.WorkflowDefinition, lookup TypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Build top-level step ID set.
	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, lookup, def.TimeoutSeconds, result)
	}

	return result
}

// validateStepSemantic checks a single step definition.
func validateStepSemantic(step *schema.StepDefinition, path string, stepIDs map[string]bool, lookup TypeLookup, wfTimeout int, result *schema.ValidationResult) {
	// Executor existence. An unknown step type would otherwise surface as a
	// configuration failure at dispatch time.
	if lookup != nil && !lookup.Has(step.Type) {
		result.AddError(path+".step_type", schema.ErrCodeUnknownStepType,
			fmt.Sprintf("step type %q has no registered executor", step.Type))
	}

	// Dependency references.
	for j, dep := range step.Dependencies {
		depPath := fmt.Sprintf("%s.dependencies[%d]", path, j)
		if dep == step.ID {
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("step %q depends on itself", step.ID))
			continue
		}
		if !stepIDs[dep] {
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}

	// input_mapping sources must name an existing step, the trigger payload,
	// or a bare builtin variable. Sources have the form "<root>" or
	// "<root>.<field>"; only steps and trigger support dotted paths.
	for name, source := range step.InputMapping {
		mapPath := fmt.Sprintf("%s.input_mapping[%s]", path, name)
		head, _, dotted := strings.Cut(source, ".")
		if head == "" {
			result.AddError(mapPath, schema.ErrCodeValidation,
				fmt.Sprintf("empty source expression for input %q", name))
			continue
		}
		if stepIDs[head] || head == "trigger" {
			continue
		}
		if !dotted && builtinSources[head] {
			continue
		}
		result.AddError(mapPath, schema.ErrCodeValidation,
			fmt.Sprintf("source references non-existent step %q", head))
	}

	// Merge steps need at least two dependencies for fan-in to mean anything.
	if step.IsMerge() && len(step.Dependencies) < 2 {
		result.AddError(path+".dependencies", schema.ErrCodeValidation,
			fmt.Sprintf("merge step %q requires at least 2 dependencies (has %d)", step.ID, len(step.Dependencies)))
	}

	cfg, err := step.EngineConfig()
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeConfiguration, err.Error())
		return
	}

	// on_error fallback references.
	if cfg.OnError != nil && cfg.OnError.Strategy == schema.ErrorStrategyFallback {
		switch {
		case cfg.OnError.FallbackStep == "":
			result.AddError(path+".config.on_error.fallback_step",
				schema.ErrCodeValidation, "fallback strategy requires a fallback_step ID")
		case cfg.OnError.FallbackStep == step.ID:
			result.AddError(path+".config.on_error.fallback_step",
				schema.ErrCodeValidation,
				fmt.Sprintf("step %q cannot be its own fallback", step.ID))
		case !stepIDs[cfg.OnError.FallbackStep]:
			result.AddError(path+".config.on_error.fallback_step",
				schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", cfg.OnError.FallbackStep))
		}
	}

	// Warning: high retry count.
	if cfg.MaxRetries > 10 {
		result.AddWarning(path+".config.max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", cfg.MaxRetries))
	}

	// Warning: step timeout exceeds the run-level ceiling.
	if wfTimeout > 0 && cfg.TimeoutSeconds > wfTimeout {
		result.AddWarning(path+".config.timeout_seconds", schema.ErrCodeValidation,
			fmt.Sprintf("step timeout (%ds) exceeds workflow timeout (%ds); the run deadline fires first", cfg.TimeoutSeconds, wfTimeout))
	}
}
