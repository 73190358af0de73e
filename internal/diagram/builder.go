package diagram

import (
	"fmt"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a Model from a workflow definition and optional per-step
// results (pass an ExecutionSnapshot's StepResults for a live view, nil for
// a bare definition). Topology comes from engine.BuildDAG, so anything
// renderable is also runnable.
func Build(def *schema.WorkflowDefinition, results map[string]*schema.StepResult) (*Model, error) {
	dag, err := engine.BuildDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	nodes := make([]*Node, 0, len(dag.Declared)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	for _, stepID := range dag.Declared {
		node, err := stepToNode(dag.Steps[stepID])
		if err != nil {
			return nil, err
		}
		overlayStatus(node, results[stepID])
		nodes = append(nodes, node)
	}

	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges, err := buildEdges(dag)
	if err != nil {
		return nil, err
	}

	return &Model{
		Title:  titleFor(def),
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(dag),
	}, nil
}

func stepToNode(step *schema.StepDefinition) (*Node, error) {
	cfg, err := step.EngineConfig()
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}
	return &Node{
		ID:          step.ID,
		Label:       nodeLabel(step),
		Kind:        kindFor(step),
		Conditional: cfg.Condition != "",
	}, nil
}

func kindFor(step *schema.StepDefinition) NodeKind {
	switch step.Type {
	case "approval":
		return NodeKindApproval
	case schema.StepTypeMerge:
		return NodeKindMerge
	default:
		return NodeKindTask
	}
}

// nodeLabel puts the step ID on the first line and the type annotation on
// the second. Renderers that only have room for one line keep the first.
func nodeLabel(step *schema.StepDefinition) string {
	if step.IsMerge() {
		return fmt.Sprintf("%s\n(merge: %s)", step.ID, step.MergeSettings().Mode)
	}
	return fmt.Sprintf("%s\n(%s)", step.ID, step.Type)
}

func overlayStatus(node *Node, res *schema.StepResult) {
	if res == nil {
		return
	}
	overlay := &StatusOverlay{
		Status:     string(res.Status),
		DurationMs: res.ExecutionTimeMs,
		RetryCount: res.RetryCount,
	}
	if res.Error != nil {
		overlay.Error = res.Error.Message
	}
	node.Status = overlay
}

// buildEdges walks steps in declaration order so output is deterministic.
func buildEdges(dag *engine.DAG) ([]Edge, error) {
	var edges []Edge

	// Start feeds every root except fallback targets, which only run when
	// the step naming them fails.
	for _, root := range dag.Roots {
		if dag.IsFallbackTarget(root) {
			continue
		}
		edges = append(edges, Edge{From: startID, To: root})
	}

	for _, id := range dag.Declared {
		for _, dep := range dag.Deps[id] {
			edges = append(edges, Edge{From: dep, To: id})
		}
	}

	for _, id := range dag.Declared {
		cfg, err := dag.Steps[id].EngineConfig()
		if err != nil {
			return nil, fmt.Errorf("diagram: %w", err)
		}
		if cfg.OnError == nil || cfg.OnError.Strategy != schema.ErrorStrategyFallback {
			continue
		}
		edges = append(edges, Edge{
			From:     id,
			To:       cfg.OnError.FallbackStep,
			Label:    "on failure",
			Fallback: true,
		})
	}

	for _, id := range dag.Declared {
		if len(dag.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}

	return edges, nil
}

func buildLevels(dag *engine.DAG) [][]string {
	dagLevels := dag.Levels()
	levels := make([][]string, 0, len(dagLevels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, dagLevels...)
	levels = append(levels, []string{endID})
	return levels
}

func titleFor(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "workflow"
}
