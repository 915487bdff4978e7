package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow graph.
// It is owned by the caller and must not be mutated once handed to an executor.
type WorkflowDefinition struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node describes a single unit of work in a workflow.
type Node struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	Inputs    []string       `json:"inputs,omitempty"`    // upstream node IDs whose outputs are injected
	Condition string         `json:"condition,omitempty"` // boolean expression over injected inputs
	Join      JoinPolicy     `json:"join,omitempty"`      // all | any (default: all)
	Timeout   string         `json:"timeout,omitempty"`   // overrides the category timeout (e.g. "5s")
}

// Edge is a directed dependency between two declared nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Category is the closed set of node kinds; it selects dispatch and resilience policy.
type Category string

const (
	CategoryProvider  Category = "provider"
	CategoryTrigger   Category = "trigger"
	CategoryCondition Category = "condition"
	CategoryAction    Category = "action"
	CategoryRisk      Category = "risk"
)

// Categories lists every valid category in a stable order.
var Categories = []Category{
	CategoryProvider,
	CategoryTrigger,
	CategoryCondition,
	CategoryAction,
	CategoryRisk,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// JoinPolicy decides how a node with several inputs treats skipped inputs.
type JoinPolicy string

const (
	// JoinAll requires every input to complete; any skipped input skips the node.
	JoinAll JoinPolicy = "all"
	// JoinAny runs the node when at least one input completed, passing only completed inputs.
	JoinAny JoinPolicy = "any"
)

// EffectiveJoin returns the node's join policy, defaulting to JoinAll.
func (n *Node) EffectiveJoin() JoinPolicy {
	if n.Join == "" {
		return JoinAll
	}
	return n.Join
}

// TimeoutDuration parses the node-level timeout override. Zero means unset.
func (n *Node) TimeoutDuration() (time.Duration, error) {
	if n.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(n.Timeout)
}

// ParseWorkflow decodes a JSON workflow document.
func ParseWorkflow(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode workflow: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}
