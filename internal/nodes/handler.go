// Package nodes maps (category, type) pairs to node handlers and provides
// the built-in handlers.
package nodes

import (
	"context"

	"github.com/rendis/tradeflow/pkg/schema"
)

// RunContext is the read-only view of the run handed to a handler.
type RunContext struct {
	WorkflowID    string
	BotID         string
	StrategyID    string
	CorrelationID string
	// Results is a snapshot of every node result at dispatch time.
	Results map[string]schema.NodeResult
}

// Metadata returns the run identifiers as a map for expression scopes.
func (rc RunContext) Metadata() map[string]any {
	return map[string]any{
		"workflow_id":    rc.WorkflowID,
		"bot_id":         rc.BotID,
		"strategy_id":    rc.StrategyID,
		"correlation_id": rc.CorrelationID,
	}
}

// Handler executes one node. inputs holds the outputs of the node's completed
// upstream nodes keyed by node ID. Errors should be *schema.Error with a
// transience flag; anything else is classified by schema.Classify.
type Handler interface {
	Execute(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (any, error) {
	return f(ctx, node, inputs, rc)
}

// Descriptor describes a registered handler.
type Descriptor struct {
	Category schema.Category `json:"category"`
	Type     string          `json:"type"`
	// Trading marks handlers that place orders; they are gated by the
	// emergency controller.
	Trading     bool   `json:"trading"`
	Description string `json:"description,omitempty"`
}

// Key returns "category/type", the circuit breaker key.
func (d Descriptor) Key() string {
	return Key(d.Category, d.Type)
}

// Key joins a category and type.
func Key(category schema.Category, typ string) string {
	return string(category) + "/" + typ
}
