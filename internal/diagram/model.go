package diagram

import "github.com/rendis/tradeflow/pkg/schema"

// NodeKind classifies a diagram node. Workflow nodes use their category;
// the virtual entry and exit nodes use start and end.
type NodeKind string

const (
	NodeKindProvider  NodeKind = NodeKind(schema.CategoryProvider)
	NodeKindTrigger   NodeKind = NodeKind(schema.CategoryTrigger)
	NodeKindCondition NodeKind = NodeKind(schema.CategoryCondition)
	NodeKindAction    NodeKind = NodeKind(schema.CategoryAction)
	NodeKindRisk      NodeKind = NodeKind(schema.CategoryRisk)
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one box of the diagram.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
	// Trading marks action nodes that place orders.
	Trading bool
	Status  *StatusOverlay
}

// StatusOverlay carries the outcome of a node in one run.
type StatusOverlay struct {
	Status     schema.NodeStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge is a dependency between two nodes, drawn upstream to downstream.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
