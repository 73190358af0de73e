package engine

import (
	"strings"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// DAG is the in-memory dependency graph of a workflow definition. It is built
// once per run and consulted by the run loop to decide which steps are
// dispatchable and which can never run.
type DAG struct {
	Steps    map[string]*schema.StepDefinition
	Deps     map[string][]string // step ID -> dependencies
	Reverse  map[string][]string // step ID -> dependents
	Declared []string            // step IDs in declaration order
	Roots    []string            // steps with no dependencies, declaration order
	Pattern  schema.ExecutionPattern

	// fallbackFor maps a fallback target to the steps that name it in their
	// on_error config. Targets are dispatched on demand, never auto-scheduled.
	fallbackFor map[string][]string
}

// BuildDAG validates the structural shape of a definition and builds the
// dependency graph. Cycle detection runs here, before any step is dispatched.
func BuildDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	dag := &DAG{
		Steps:       make(map[string]*schema.StepDefinition, len(def.Steps)),
		Deps:        make(map[string][]string, len(def.Steps)),
		Reverse:     make(map[string][]string, len(def.Steps)),
		Declared:    make([]string, 0, len(def.Steps)),
		Pattern:     def.ExecutionPattern,
		fallbackFor: make(map[string][]string),
	}

	// First pass: register steps, reject duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty step_id", i)
		}
		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step_id: %s", step.ID)
		}
		if step.Type == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has empty step_type", step.ID)
		}
		dag.Steps[step.ID] = step
		dag.Declared = append(dag.Declared, step.ID)
	}

	// Second pass: validate dependencies and build adjacency lists.
	for _, id := range dag.Declared {
		step := dag.Steps[id]
		seen := make(map[string]bool, len(step.Dependencies))
		deps := make([]string, 0, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on unknown step: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Deps[id] = deps
		if len(deps) == 0 {
			dag.Roots = append(dag.Roots, id)
		}
	}

	// Third pass: resolve fallback targets from on_error config.
	for _, id := range dag.Declared {
		cfg, err := dag.Steps[id].EngineConfig()
		if err != nil {
			return nil, err
		}
		if cfg.OnError == nil || cfg.OnError.Strategy != schema.ErrorStrategyFallback {
			continue
		}
		target := cfg.OnError.FallbackStep
		if target == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: on_error strategy is fallback but fallback_step is empty", id).WithStep(id)
		}
		if _, exists := dag.Steps[target]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: fallback_step references unknown step: %s", id, target).WithStep(id)
		}
		if target == id {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: fallback_step references itself", id).WithStep(id)
		}
		dag.fallbackFor[target] = append(dag.fallbackFor[target], id)
	}

	if err := dag.detectCycle(); err != nil {
		return nil, err
	}

	return dag, nil
}

// detectCycle runs a depth-first search with three-color marking. On a cycle
// it reports the full path, which beats a bare "cycle detected" when the
// definition has fifty steps.
func (d *DAG) detectCycle() error {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)
	colors := make(map[string]int, len(d.Steps))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		path = append(path, id)

		for _, dep := range d.Deps[id] {
			switch colors[dep] {
			case gray:
				// Found a back edge; slice the cycle out of the path.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return schema.NewErrorf(schema.ErrCodeCycleDetected,
					"dependency cycle: %s", strings.Join(cycle, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		colors[id] = black
		return nil
	}

	for _, id := range d.Declared {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsFallbackTarget reports whether the step is reserved for on-demand fallback
// dispatch.
func (d *DAG) IsFallbackTarget(stepID string) bool {
	return len(d.fallbackFor[stepID]) > 0
}

// ReadySteps returns the steps whose readiness predicate holds: still pending,
// not in flight, not reserved for fallback, and with dependencies satisfied.
// Merge steps in first_available mode are ready as soon as any dependency
// completes; everything else needs all of them. Results come back in
// declaration order, which is the dispatch tie-break.
func (d *DAG) ReadySteps(view *schema.ExecutionContext, inflight map[string]bool) []string {
	if d.Pattern == schema.PatternSequential && len(inflight) > 0 {
		return nil
	}

	var ready []string
	for _, id := range d.Declared {
		if inflight[id] || d.IsFallbackTarget(id) {
			continue
		}
		if view.StatusOf(id) != schema.StepStatusPending {
			continue
		}
		if d.depsSatisfied(id, view) {
			ready = append(ready, id)
		}
	}

	if d.Pattern == schema.PatternSequential && len(ready) > 1 {
		ready = ready[:1]
	}
	return ready
}

func (d *DAG) depsSatisfied(id string, view *schema.ExecutionContext) bool {
	deps := d.Deps[id]
	if len(deps) == 0 {
		return true
	}

	step := d.Steps[id]
	if step.IsMerge() && step.MergeSettings().Mode == schema.MergeFirstAvailable {
		for _, dep := range deps {
			if view.IsCompleted(dep) {
				return true
			}
		}
		return false
	}

	for _, dep := range deps {
		if !view.IsCompleted(dep) {
			return false
		}
	}
	return true
}

// DeadSteps returns pending steps that can never become ready: their
// dependencies have failed or been skipped, transitively. A first_available
// merge stays alive while any dependency can still complete. Unfired fallback
// targets die once every step that names them is terminal. The run loop marks
// these skipped so the run can terminate.
func (d *DAG) DeadSteps(view *schema.ExecutionContext, inflight map[string]bool) []string {
	dead := make(map[string]bool)

	for changed := true; changed; {
		changed = false
		for _, id := range d.Declared {
			if dead[id] || inflight[id] {
				continue
			}
			if view.StatusOf(id) != schema.StepStatusPending {
				continue
			}
			if d.isDead(id, view, dead) {
				dead[id] = true
				changed = true
			}
		}
	}

	out := make([]string, 0, len(dead))
	for _, id := range d.Declared {
		if dead[id] {
			out = append(out, id)
		}
	}
	return out
}

func (d *DAG) isDead(id string, view *schema.ExecutionContext, dead map[string]bool) bool {
	gone := func(dep string) bool {
		if dead[dep] {
			return true
		}
		s := view.StatusOf(dep)
		return s == schema.StepStatusFailed || s == schema.StepStatusSkipped
	}

	if namers := d.fallbackFor[id]; len(namers) > 0 {
		// A reserve step dies when nothing can invoke it anymore.
		for _, namer := range namers {
			if !view.StatusOf(namer).IsTerminal() && !dead[namer] {
				return false
			}
		}
		return true
	}

	deps := d.Deps[id]
	if len(deps) == 0 {
		return false
	}

	step := d.Steps[id]
	if step.IsMerge() && step.MergeSettings().Mode == schema.MergeFirstAvailable {
		// Alive while any dependency has completed or still might.
		for _, dep := range deps {
			if view.IsCompleted(dep) || !gone(dep) {
				return false
			}
		}
		return true
	}

	for _, dep := range deps {
		if gone(dep) {
			return true
		}
	}
	return false
}

// Levels groups steps by topological depth: level N steps have all
// dependencies in levels < N. Used for diagram layout.
func (d *DAG) Levels() [][]string {
	depth := make(map[string]int, len(d.Steps))
	var calc func(id string) int
	calc = func(id string) int {
		if v, ok := depth[id]; ok {
			return v
		}
		max := -1
		for _, dep := range d.Deps[id] {
			if v := calc(dep); v > max {
				max = v
			}
		}
		depth[id] = max + 1
		return max + 1
	}

	maxLevel := 0
	for _, id := range d.Declared {
		if v := calc(id); v > maxLevel {
			maxLevel = v
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range d.Declared {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}
