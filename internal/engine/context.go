package engine

import (
	"sync"
	"time"

	"github.com/rendis/tradeflow/pkg/schema"
)

// Metadata keys read from a workflow definition when a run context is
// built from it.
const (
	MetaBotID      = "bot_id"
	MetaStrategyID = "strategy_id"
)

// ExecutionContext is the mutable state of one run. Only the run's
// coordinator writes to it; handlers get snapshots.
type ExecutionContext struct {
	WorkflowID    string
	BotID         string
	StrategyID    string
	CorrelationID string

	mu      sync.RWMutex
	results map[string]*schema.NodeResult
	fsm     *NodeFSM
	now     func() time.Time
	used    bool
}

// NewExecutionContext creates an empty context. An empty correlation ID is
// filled in by the executor.
func NewExecutionContext(workflowID, botID, strategyID string) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID: workflowID,
		BotID:      botID,
		StrategyID: strategyID,
		results:    make(map[string]*schema.NodeResult),
		fsm:        NewNodeFSM(),
		now:        time.Now,
	}
}

// ContextFor builds a context whose bot and strategy IDs come from the
// definition's metadata.
func ContextFor(def *schema.WorkflowDefinition, workflowID string) *ExecutionContext {
	if workflowID == "" {
		workflowID = def.ID
	}
	meta := func(k string) string {
		v, _ := def.Metadata[k].(string)
		return v
	}
	return NewExecutionContext(workflowID, meta(MetaBotID), meta(MetaStrategyID))
}

// FSM returns the transition validator of this context.
func (c *ExecutionContext) FSM() *NodeFSM {
	return c.fsm
}

// Result returns a copy of a node's result.
func (c *ExecutionContext) Result(nodeID string) (schema.NodeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[nodeID]
	if !ok {
		return schema.NodeResult{}, false
	}
	return *r, true
}

// Status returns a node's status, pending when unknown.
func (c *ExecutionContext) Status(nodeID string) schema.NodeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.results[nodeID]; ok {
		return r.Status
	}
	return schema.NodeStatusPending
}

// Snapshot copies every node result.
func (c *ExecutionContext) Snapshot() map[string]schema.NodeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]schema.NodeResult, len(c.results))
	for id, r := range c.results {
		out[id] = *r
	}
	return out
}

// init registers nodes as pending, keeping results that were seeded.
func (c *ExecutionContext) init(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.results[id]; !ok {
			c.results[id] = &schema.NodeResult{NodeID: id, Status: schema.NodeStatusPending}
		}
	}
}

// seed records a node as completed without running it.
func (c *ExecutionContext) seed(nodeID string, output any, completedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := completedAt
	c.results[nodeID] = &schema.NodeResult{
		NodeID:      nodeID,
		Status:      schema.NodeStatusCompleted,
		Output:      output,
		CompletedAt: &at,
	}
}

// transition moves a node to status to and applies update to its result
// under the same lock. Timestamps are maintained here.
func (c *ExecutionContext) transition(nodeID string, to schema.NodeStatus, update func(*schema.NodeResult)) error {
	c.mu.Lock()
	r, ok := c.results[nodeID]
	if !ok {
		r = &schema.NodeResult{NodeID: nodeID, Status: schema.NodeStatusPending}
		c.results[nodeID] = r
	}
	from := r.Status
	if err := c.fsm.Check(nodeID, from, to); err != nil {
		c.mu.Unlock()
		return err
	}
	now := c.now()
	r.Status = to
	if to == schema.NodeStatusRunning {
		r.StartedAt = &now
	}
	if to.Terminal() {
		r.CompletedAt = &now
	}
	if update != nil {
		update(r)
	}
	c.mu.Unlock()

	c.fsm.notify(nodeID, from, to)
	return nil
}

// claim marks the context as used by a run. A context serves one run only.
func (c *ExecutionContext) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution context for workflow %s was already used by a run", c.WorkflowID)
	}
	c.used = true
	return nil
}
