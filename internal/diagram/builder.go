package diagram

import (
	"fmt"

	"github.com/rendis/tradeflow/internal/engine"
	"github.com/rendis/tradeflow/pkg/schema"
)

// TradingLookup reports whether a node's handler places orders. It may be nil.
type TradingLookup func(n *schema.Node) bool

// Build constructs a DiagramModel from a workflow definition and, optionally,
// the node results of one run. Topology comes from engine.Validate, so an
// invalid graph is reported with the same GRAPH_ERROR the executor returns.
func Build(def *schema.WorkflowDefinition, results map[string]*schema.NodeResult, trading TradingLookup) (*DiagramModel, error) {
	dag, err := engine.Validate(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	nodes := make([]*Node, 0, len(dag.Sorted)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Sorted {
		n := dag.Nodes[id]
		dn := &Node{
			ID:    id,
			Label: nodeLabel(n),
			Kind:  NodeKind(n.Category),
		}
		if trading != nil {
			dn.Trading = trading(n)
		}
		overlayStatus(dn, results)
		nodes = append(nodes, dn)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

// nodeLabel is "id (type)", with the join policy when it is not the default.
func nodeLabel(n *schema.Node) string {
	label := fmt.Sprintf("%s (%s)", n.ID, n.Type)
	if n.EffectiveJoin() == schema.JoinAny && len(n.Inputs) > 1 {
		label += " join:any"
	}
	return label
}

func overlayStatus(node *Node, results map[string]*schema.NodeResult) {
	r, ok := results[node.ID]
	if !ok || r == nil {
		return
	}
	ov := &StatusOverlay{Status: r.Status, Attempts: r.Attempts}
	if r.StartedAt != nil && r.CompletedAt != nil {
		ov.DurationMs = r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	}
	if r.Error != nil {
		ov.Error = r.Error.Code
	}
	node.Status = ov
}

// buildEdges walks nodes in topological order so output is deterministic.
// Edges leaving a condition node are labelled with the branch they gate.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, id := range dag.Sorted {
		if len(dag.Deps[id]) == 0 {
			edges = append(edges, Edge{From: startID, To: id})
		}
	}
	for _, id := range dag.Sorted {
		for _, down := range dag.Reverse[id] {
			e := Edge{From: id, To: down}
			if dag.Nodes[id].Category == schema.CategoryCondition {
				e.Label = "true"
			}
			edges = append(edges, e)
		}
	}
	for _, id := range dag.Sorted {
		if len(dag.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

func buildLevels(dag *engine.DAG) [][]string {
	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{endID})
	return levels
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}
