package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/tradeflow/pkg/schema"
)

// DAG is the validated graph of one workflow definition.
type DAG struct {
	Nodes   map[string]*schema.Node // node ID → definition
	Index   map[string]int          // node ID → declaration index
	Deps    map[string][]string     // node ID → upstream IDs, declaration order
	Reverse map[string][]string     // node ID → downstream IDs, declaration order
	Sorted  []string                // topological order, ties by declaration index
	Levels  [][]string              // nodes grouped by depth
}

// Validate checks def and builds its DAG. It is pure: def is not modified.
// Structural problems are reported together as one GRAPH_ERROR; a cycle is
// reported on its own once the structure is sound.
func Validate(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeGraph, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeGraph, "workflow has no nodes")
	}

	var vr schema.ValidationResult
	if def.ID == "" {
		vr.AddError("id", schema.ErrCodeGraph, "workflow id is empty")
	}

	dag := &DAG{
		Nodes:   make(map[string]*schema.Node, len(def.Nodes)),
		Index:   make(map[string]int, len(def.Nodes)),
		Deps:    make(map[string][]string, len(def.Nodes)),
		Reverse: make(map[string][]string, len(def.Nodes)),
	}

	// First pass: register nodes.
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if n.ID == "" {
			vr.AddError(path+".id", schema.ErrCodeGraph, fmt.Sprintf("node at index %d has empty id", i))
			continue
		}
		if strings.Contains(n.ID, ":") {
			// ':' separates workflow and node in completion marker keys.
			vr.AddError(path+".id", schema.ErrCodeGraph, fmt.Sprintf("node id %q must not contain ':'", n.ID))
			continue
		}
		if _, exists := dag.Nodes[n.ID]; exists {
			vr.AddError(path+".id", schema.ErrCodeGraph, fmt.Sprintf("duplicate node id: %s", n.ID))
			continue
		}
		if !n.Category.Valid() {
			vr.AddError(path+".category", schema.ErrCodeGraph,
				fmt.Sprintf("node %s has unknown category: %q", n.ID, n.Category))
		}
		if n.Join != "" && n.Join != schema.JoinAll && n.Join != schema.JoinAny {
			vr.AddError(path+".join", schema.ErrCodeGraph,
				fmt.Sprintf("node %s has unknown join policy: %q", n.ID, n.Join))
		}
		if _, err := n.TimeoutDuration(); err != nil {
			vr.AddError(path+".timeout", schema.ErrCodeGraph,
				fmt.Sprintf("node %s has invalid timeout %q", n.ID, n.Timeout))
		}
		dag.Nodes[n.ID] = n
		dag.Index[n.ID] = i
	}

	// Second pass: edges.
	type edgeKey struct{ from, to string }
	edges := make(map[edgeKey]bool, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		_, fromOK := dag.Nodes[e.From]
		_, toOK := dag.Nodes[e.To]
		switch {
		case !fromOK || !toOK:
			vr.AddError(path, schema.ErrCodeGraph,
				fmt.Sprintf("edge %s -> %s references an undeclared node", e.From, e.To))
			continue
		case e.From == e.To:
			vr.AddError(path, schema.ErrCodeGraph, fmt.Sprintf("node %s depends on itself", e.From))
			continue
		case edges[edgeKey{e.From, e.To}]:
			vr.AddError(path, schema.ErrCodeGraph, fmt.Sprintf("duplicate edge %s -> %s", e.From, e.To))
			continue
		}
		edges[edgeKey{e.From, e.To}] = true
		if !contains(dag.Nodes[e.To].Inputs, e.From) {
			vr.AddError(path, schema.ErrCodeGraph,
				fmt.Sprintf("edge %s -> %s has no matching entry in %s.inputs", e.From, e.To, e.To))
		}
	}

	// Third pass: every declared input needs an edge.
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if dag.Index[n.ID] != i {
			continue
		}
		seen := make(map[string]bool, len(n.Inputs))
		for _, in := range n.Inputs {
			path := fmt.Sprintf("nodes[%d].inputs", i)
			if seen[in] {
				vr.AddError(path, schema.ErrCodeGraph, fmt.Sprintf("node %s lists input %s twice", n.ID, in))
				continue
			}
			seen[in] = true
			if _, ok := dag.Nodes[in]; !ok {
				vr.AddError(path, schema.ErrCodeGraph, fmt.Sprintf("node %s has undeclared input: %s", n.ID, in))
				continue
			}
			if !edges[edgeKey{in, n.ID}] {
				vr.AddError(path, schema.ErrCodeGraph,
					fmt.Sprintf("node %s lists input %s without an edge %s -> %s", n.ID, in, in, n.ID))
			}
		}
	}

	if err := vr.ToError(schema.ErrCodeGraph); err != nil {
		return nil, err
	}

	for _, e := range def.Edges {
		dag.Deps[e.To] = append(dag.Deps[e.To], e.From)
		dag.Reverse[e.From] = append(dag.Reverse[e.From], e.To)
	}
	for id := range dag.Nodes {
		dag.sortByIndex(dag.Deps[id])
		dag.sortByIndex(dag.Reverse[id])
	}

	sorted, err := dag.topoSort()
	if err != nil {
		return nil, err
	}
	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// topoSort runs Kahn's algorithm. Among ready nodes the one declared first
// is taken first.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.Nodes))
	ready := make([]string, 0)
	for id := range d.Nodes {
		inDegree[id] = len(d.Deps[id])
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	d.sortByIndex(ready)

	sorted := make([]string, 0, len(d.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, down := range d.Reverse[id] {
			inDegree[down]--
			if inDegree[down] == 0 {
				ready = d.insertByIndex(ready, down)
			}
		}
	}

	if len(sorted) != len(d.Nodes) {
		cyclic := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		d.sortByIndex(cyclic)
		return nil, schema.NewError(schema.ErrCodeGraph, "workflow contains a cycle").
			WithDetails(map[string]any{"nodes": cyclic})
	}
	return sorted, nil
}

func (d *DAG) sortByIndex(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return d.Index[ids[i]] < d.Index[ids[j]] })
}

// insertByIndex inserts id into the index-sorted slice ids.
func (d *DAG) insertByIndex(ids []string, id string) []string {
	pos := sort.Search(len(ids), func(i int) bool { return d.Index[ids[i]] > d.Index[id] })
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	return ids
}

// computeLevels groups nodes by topological depth.
func computeLevels(d *DAG) [][]string {
	depth := make(map[string]int, len(d.Nodes))
	maxLevel := 0
	for _, id := range d.Sorted {
		lvl := 0
		for _, dep := range d.Deps[id] {
			if depth[dep]+1 > lvl {
				lvl = depth[dep] + 1
			}
		}
		depth[id] = lvl
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range d.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
