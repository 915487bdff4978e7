package nodes

import (
	"context"
	"strings"

	"github.com/rendis/tradeflow/internal/expressions"
	"github.com/rendis/tradeflow/pkg/schema"
)

// Order is the venue-neutral order handed to a TradeExecutor.
type Order struct {
	// ClientOrderID is "{workflow_id}:{node_id}", stable across retries and
	// resumes so venues can deduplicate.
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // buy | sell
	Quantity      float64 `json:"quantity"`
	// Price is the limit price; zero places a market order.
	Price float64 `json:"price,omitempty"`
}

// tradeAction builds an Order from params. quantity and price may instead
// be read from inputs with the jq queries quantity_from and price_from.
type tradeAction struct {
	trader TradeExecutor
	jq     *expressions.GoJQEngine
}

func (h *tradeAction) Execute(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (any, error) {
	order := Order{
		ClientOrderID: rc.WorkflowID + ":" + node.ID,
		Symbol:        paramString(node, "symbol", ""),
		Side:          strings.ToLower(paramString(node, "side", "")),
	}
	if order.Symbol == "" {
		return nil, schema.PermanentError("params.symbol is required").WithNode(node.ID)
	}
	if order.Side != "buy" && order.Side != "sell" {
		return nil, schema.PermanentError("params.side must be buy or sell, got %q", order.Side).WithNode(node.ID)
	}

	scope := expressions.Scope{Inputs: inputs, Order: node.Inputs, Params: node.Params, Workflow: rc.Metadata()}
	qty, err := h.number(ctx, node, "quantity", scope)
	if err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, schema.PermanentError("quantity must be positive, got %v", qty).WithNode(node.ID)
	}
	order.Quantity = qty

	if order.Price, err = h.number(ctx, node, "price", scope); err != nil {
		return nil, err
	}

	out, err := h.trader.Execute(ctx, order)
	if err != nil {
		return nil, schema.Classify(err).WithNode(node.ID)
	}
	return out, nil
}

// number reads params[key] or evaluates params[key+"_from"]. Missing yields 0.
func (h *tradeAction) number(ctx context.Context, node *schema.Node, key string, scope expressions.Scope) (float64, error) {
	if query := paramString(node, key+"_from", ""); query != "" {
		out, err := h.jq.Evaluate(ctx, query, scope)
		if err != nil {
			return 0, schema.Classify(err).WithNode(node.ID)
		}
		f, err := toFloat(out)
		if err != nil {
			return 0, schema.PermanentError("%s_from %q: %s", key, query, err.Error()).WithNode(node.ID)
		}
		return f, nil
	}
	v, _, err := paramFloat(node, key)
	return v, err
}
