package validation

import (
	"fmt"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// validateDAG performs graph analysis on the dependency graph: cycle
// detection via DFS coloring, dead-step reachability, and input_mapping
// sources that are not upstream of the consuming step.
// Runs once at load time; a cycle is never a runtime condition.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	// edges[id] = dependencies of step id, reverse[id] = dependents of step id.
	edges := make(map[string][]string, len(def.Steps))
	reverse := make(map[string][]string, len(def.Steps))

	for _, s := range def.Steps {
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			if !stepIDs[dep] || seen[dep] {
				continue // non-existent refs already caught by semantic
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}

	if cycle := findCycle(def, edges); len(cycle) > 0 {
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")))
		return result // cycle makes the remaining analysis meaningless
	}

	checkReachability(def, edges, reverse, result)
	checkMappingSources(def, edges, stepIDs, result)

	return result
}

// findCycle runs a white/gray/black DFS over the dependency edges and
// returns the first cycle found as an ID path (closing node repeated), or
// nil. Steps are visited in definition order so output is deterministic.
func findCycle(def *schema.WorkflowDefinition, edges map[string][]string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(def.Steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range edges[id] {
			switch color[dep] {
			case gray:
				// Back edge: slice the current path from dep onward.
				for i, node := range stack {
					if node == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		color[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, s := range def.Steps {
		if color[s.ID] == white {
			if cycle := visit(s.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// checkReachability warns about steps not reachable from any root
// (dependency-free) step via BFS over the dependent edges.
func checkReachability(def *schema.WorkflowDefinition, edges, reverse map[string][]string, result *schema.ValidationResult) {
	reachable := make(map[string]bool, len(def.Steps))
	var queue []string
	for _, s := range def.Steps {
		if len(edges[s.ID]) == 0 {
			reachable[s.ID] = true
			queue = append(queue, s.ID)
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, dependent := range reverse[node] {
			if !reachable[dependent] {
				reachable[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}

	for _, s := range def.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from any root step", s.ID))
		}
	}
}

// checkMappingSources warns when an input_mapping source step is not an
// upstream dependency of the consuming step. The injector resolves such a
// source to null whenever the source has not completed yet, which is
// usually a definition mistake.
func checkMappingSources(def *schema.WorkflowDefinition, edges map[string][]string, stepIDs map[string]bool, result *schema.ValidationResult) {
	// ancestors(id) memoized over the acyclic dependency edges.
	ancestors := make(map[string]map[string]bool, len(def.Steps))
	var collect func(id string) map[string]bool
	collect = func(id string) map[string]bool {
		if cached, ok := ancestors[id]; ok {
			return cached
		}
		up := make(map[string]bool)
		for _, dep := range edges[id] {
			up[dep] = true
			for a := range collect(dep) {
				up[a] = true
			}
		}
		ancestors[id] = up
		return up
	}

	for i, s := range def.Steps {
		if len(s.InputMapping) == 0 {
			continue
		}
		up := collect(s.ID)
		for name, source := range s.InputMapping {
			head, _, _ := strings.Cut(source, ".")
			if !stepIDs[head] {
				continue // trigger/builtin source, or already errored in semantic
			}
			if !up[head] {
				result.AddWarning(fmt.Sprintf("steps[%d].input_mapping[%s]", i, name),
					schema.ErrCodeValidation,
					fmt.Sprintf("source step %q is not upstream of %q; its output may be unavailable at injection time", head, s.ID))
			}
		}
	}
}
