package engine

import (
	"sync"

	"github.com/rendis/tradeflow/pkg/schema"
)

// ValidNodeTransitions lists the statuses each node status may move to.
// A node leaves pending at most once per run.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {
		schema.NodeStatusRunning,
		schema.NodeStatusSkipped,
		schema.NodeStatusFailed,
	},
	schema.NodeStatusRunning: {
		schema.NodeStatusCompleted,
		schema.NodeStatusSkipped,
		schema.NodeStatusFailed,
	},
}

// TransitionHook is called after a node transition has been applied.
type TransitionHook func(nodeID string, from, to schema.NodeStatus)

// NodeFSM validates node status transitions and notifies hooks.
type NodeFSM struct {
	mu    sync.Mutex
	after []TransitionHook
}

// NewNodeFSM creates a NodeFSM with no hooks.
func NewNodeFSM() *NodeFSM {
	return &NodeFSM{}
}

// OnAfter registers a hook called after every successful transition.
func (f *NodeFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Check returns INVALID_TRANSITION when from → to is not allowed.
func (f *NodeFSM) Check(nodeID string, from, to schema.NodeStatus) error {
	if isValidNodeTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid node transition: %s -> %s", from, to).
		WithNode(nodeID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func (f *NodeFSM) notify(nodeID string, from, to schema.NodeStatus) {
	f.mu.Lock()
	hooks := f.after
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(nodeID, from, to)
	}
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// nodeEventType maps a target status to the event published for it.
func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}
