package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format: an ordered
// set of step definitions plus execution-pattern metadata and an optional
// run-level timeout. Step order is a tie-break hint for simultaneously
// ready steps, never an execution order by itself.
type WorkflowDefinition struct {
	ID               string           `json:"workflow_id,omitempty"`
	Name             string           `json:"name,omitempty"`
	Steps            []StepDefinition `json:"steps"`
	ExecutionPattern ExecutionPattern `json:"execution_pattern,omitempty"`
	TimeoutSeconds   int              `json:"timeout_seconds,omitempty"`
	InputSchema      json.RawMessage  `json:"input_schema,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// Step returns the definition for the given step ID, or nil.
func (d *WorkflowDefinition) Step(stepID string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// ExecutionPattern hints how the resolver bounds parallelism. It never
// overrides dependency constraints.
type ExecutionPattern string

const (
	PatternSequential  ExecutionPattern = "sequential"
	PatternParallel    ExecutionPattern = "parallel"
	PatternConditional ExecutionPattern = "conditional"
	PatternDAG         ExecutionPattern = "dag"
)

// StepDefinition describes a single step in a workflow. The ID is the
// immutable identity used as the key into all per-run maps.
type StepDefinition struct {
	ID           string            `json:"step_id"`
	Type         string            `json:"step_type"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Parameters   json.RawMessage   `json:"parameters,omitempty"`   // opaque, interpreted by the executor
	Config       json.RawMessage   `json:"config,omitempty"`       // engine policy + type-specific settings
	InputMapping map[string]string `json:"input_mapping,omitempty"` // logical name -> "<step_id>" or "<step_id>.<field>"
}

// StepTypeMerge is the one step type the dependency resolver treats
// specially: its readiness predicate comes from the merge mode instead of
// the all-dependencies-completed rule.
const StepTypeMerge = "merge"

// IsMerge reports whether this step uses fan-in readiness semantics.
func (s *StepDefinition) IsMerge() bool {
	return s.Type == StepTypeMerge
}

// StepConfig is the engine-interpreted portion of a step's config block.
// Executor-specific keys in the same block are ignored here and decoded by
// the executor itself.
type StepConfig struct {
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
	MaxRetries     int          `json:"max_retries,omitempty"`
	Condition      string       `json:"condition,omitempty"` // CEL, evaluated before dispatch
	OnError        *ErrorPolicy `json:"on_error,omitempty"`
}

// ErrorPolicy controls what happens after a step exhausts its retries.
type ErrorPolicy struct {
	Strategy     string `json:"strategy,omitempty"` // fail | continue | fallback (default: fail)
	FallbackStep string `json:"fallback_step,omitempty"`
}

const (
	ErrorStrategyFail     = "fail"
	ErrorStrategyContinue = "continue"
	ErrorStrategyFallback = "fallback"
)

// EngineConfig decodes the engine-interpreted config keys. A nil or empty
// config block yields the zero StepConfig.
func (s *StepDefinition) EngineConfig() (StepConfig, error) {
	var cfg StepConfig
	if len(s.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return cfg, NewErrorf(ErrCodeConfiguration, "step %s: invalid config: %s", s.ID, err.Error()).WithStep(s.ID)
	}
	return cfg, nil
}

// MergeMode selects the fan-in readiness predicate of a merge step.
type MergeMode string

const (
	MergeFirstAvailable MergeMode = "first_available" // OR: any dependency completed
	MergeWaitAll        MergeMode = "wait_all"        // AND: every dependency completed
)

// Combine modes for wait_all merge output shaping.
const (
	CombineObject = "object" // outputs keyed by dependency step_id
	CombineArray  = "array"  // outputs in dependency declaration order
)

// MergeConfig is the config block for merge-type steps.
type MergeConfig struct {
	Mode        MergeMode `json:"mode,omitempty"`         // default: wait_all
	CombineMode string    `json:"combine_mode,omitempty"` // default: object
}

// MergeSettings decodes the merge config with defaults applied.
func (s *StepDefinition) MergeSettings() MergeConfig {
	var cfg MergeConfig
	if len(s.Config) > 0 {
		_ = json.Unmarshal(s.Config, &cfg)
	}
	if cfg.Mode == "" {
		cfg.Mode = MergeWaitAll
	}
	if cfg.CombineMode == "" {
		cfg.CombineMode = CombineObject
	}
	return cfg
}

// ApprovalConfig is the config block for interactive approval steps.
type ApprovalConfig struct {
	Prompt         string         `json:"prompt,omitempty"`
	Options        []string       `json:"options,omitempty"` // accepted decisions (default: approved, denied)
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	MultiTurn      bool           `json:"multi_turn,omitempty"` // wait for final_turn instead of a decision
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ApprovalSettings decodes the approval config with defaults applied.
// Single-turn approvals default to the approved/denied option pair;
// multi-turn conversations accept free-form replies, so no options are
// imposed there.
func (s *StepDefinition) ApprovalSettings() ApprovalConfig {
	var cfg ApprovalConfig
	if len(s.Config) > 0 {
		_ = json.Unmarshal(s.Config, &cfg)
	}
	if len(cfg.Options) == 0 && !cfg.MultiTurn {
		cfg.Options = []string{"approved", "denied"}
	}
	return cfg
}
