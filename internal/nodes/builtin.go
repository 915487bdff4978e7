package nodes

import (
	"context"
	"maps"
	"net/http"

	"github.com/rendis/tradeflow/internal/expressions"
	"github.com/rendis/tradeflow/internal/streaming"
	"github.com/rendis/tradeflow/pkg/schema"
)

// Provider is the market data collaborator. Errors should carry a transience
// classification; unclassified errors are treated as transient.
type Provider interface {
	Invoke(ctx context.Context, node *schema.Node, params map[string]any) (any, error)
}

// TradeExecutor places orders on a venue.
type TradeExecutor interface {
	Execute(ctx context.Context, order Order) (any, error)
}

// RiskChecker is satisfied by *emergency.Controller.
type RiskChecker interface {
	CheckRiskLimit(kind string, value float64, limit schema.RiskLimit) error
}

// Dependencies are the collaborators of the built-in handlers. Handlers
// whose collaborator is nil are not registered.
type Dependencies struct {
	Provider Provider
	Trader   TradeExecutor
	Risk     RiskChecker
	Bus      streaming.Bus
	JQ       *expressions.GoJQEngine
	// HTTP backs provider/http and action/webhook.
	HTTP *http.Client
}

// RegisterBuiltins registers the built-in handlers on r.
func RegisterBuiltins(r *Registry, deps Dependencies) error {
	jq := deps.JQ
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}

	type reg struct {
		desc Descriptor
		h    Handler
		skip bool
	}
	regs := []reg{
		{
			desc: Descriptor{Category: schema.CategoryTrigger, Type: "manual", Description: "Emits its params as output"},
			h:    HandlerFunc(manualTrigger),
		},
		{
			desc: Descriptor{Category: schema.CategoryProvider, Type: "jq", Description: "Reshapes upstream outputs with a jq query (params.query)"},
			h:    &jqTransform{jq: jq},
		},
		{
			desc: Descriptor{Category: schema.CategoryProvider, Type: "market_data", Description: "Fetches market data from the configured provider"},
			h:    &marketData{provider: deps.Provider},
			skip: deps.Provider == nil,
		},
		{
			desc: Descriptor{Category: schema.CategoryRisk, Type: "limit", Description: "Checks a risk limit and may auto-halt trading"},
			h:    &riskLimit{checker: deps.Risk, jq: jq},
			skip: deps.Risk == nil,
		},
		{
			desc: Descriptor{Category: schema.CategoryAction, Type: "trade", Trading: true, Description: "Places an order through the trade executor"},
			h:    &tradeAction{trader: deps.Trader, jq: jq},
			skip: deps.Trader == nil,
		},
		{
			desc: Descriptor{Category: schema.CategoryProvider, Type: "http", Description: "Fetches JSON from params.url"},
			h:    &httpFetch{httpCall{client: deps.HTTP, maxBody: defaultMaxResponseBody}},
			skip: deps.HTTP == nil,
		},
		{
			desc: Descriptor{Category: schema.CategoryAction, Type: "webhook", Description: "Posts upstream outputs to params.url"},
			h:    &webhookAction{httpCall{client: deps.HTTP, maxBody: defaultMaxResponseBody}},
			skip: deps.HTTP == nil,
		},
		{
			desc: Descriptor{Category: schema.CategoryAction, Type: "notify", Description: "Publishes a notification on notify.<channel>"},
			h:    &notifyAction{bus: deps.Bus},
			skip: deps.Bus == nil,
		},
	}

	for _, x := range regs {
		if x.skip {
			continue
		}
		if err := r.Register(x.desc, x.h); err != nil {
			return err
		}
	}
	return nil
}

func manualTrigger(_ context.Context, node *schema.Node, _ map[string]any, _ RunContext) (any, error) {
	out := make(map[string]any, len(node.Params))
	maps.Copy(out, node.Params)
	return out, nil
}

type jqTransform struct {
	jq *expressions.GoJQEngine
}

func (h *jqTransform) Execute(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (any, error) {
	query := paramString(node, "query", "")
	if query == "" {
		return nil, schema.PermanentError("params.query is required").WithNode(node.ID)
	}
	out, err := h.jq.Evaluate(ctx, query, expressions.Scope{
		Inputs:   inputs,
		Order:    node.Inputs,
		Params:   node.Params,
		Workflow: rc.Metadata(),
	})
	if err != nil {
		return nil, schema.Classify(err).WithNode(node.ID)
	}
	return out, nil
}

type marketData struct {
	provider Provider
}

func (h *marketData) Execute(ctx context.Context, node *schema.Node, _ map[string]any, _ RunContext) (any, error) {
	out, err := h.provider.Invoke(ctx, node, node.Params)
	if err != nil {
		return nil, schema.Classify(err).WithNode(node.ID)
	}
	return out, nil
}

type notifyAction struct {
	bus streaming.Bus
}

func (h *notifyAction) Execute(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (any, error) {
	channel := paramString(node, "channel", "default")
	payload := map[string]any{
		"channel": channel,
		"message": paramString(node, "message", ""),
	}
	if len(inputs) > 0 {
		payload["inputs"] = inputs
	}

	err := h.bus.Publish(ctx, schema.Topic(schema.TopicNotify, channel), schema.Event{
		Type:          schema.EventNotification,
		WorkflowID:    rc.WorkflowID,
		NodeID:        node.ID,
		BotID:         rc.BotID,
		StrategyID:    rc.StrategyID,
		Status:        "sent",
		Output:        payload,
		CorrelationID: rc.CorrelationID,
	})
	if err != nil {
		return nil, schema.TransientError("publish notification: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}
	return map[string]any{"channel": channel, "delivered": true}, nil
}
