package diagram

// NodeKind classifies a node by its role in the flow.
type NodeKind string

const (
	NodeKindTask     NodeKind = "task"     // regular executor step
	NodeKindApproval NodeKind = "approval" // human gate, run suspends here
	NodeKindMerge    NodeKind = "merge"    // fan-in point
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Model is the renderer-independent form of a workflow graph.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // rows of node IDs by topological depth
}

// Node is one workflow step, or a virtual start/end marker.
type Node struct {
	ID          string
	Label       string
	Kind        NodeKind
	Conditional bool           // step carries a gate expression
	Status      *StatusOverlay // nil when rendering a bare definition
}

// StatusOverlay carries live run state onto a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge connects a dependency to its dependent. Fallback edges route around
// a failure and render dashed.
type Edge struct {
	From     string
	To       string
	Label    string
	Fallback bool
}
