package nodes

import (
	"context"

	"github.com/rendis/tradeflow/internal/expressions"
	"github.com/rendis/tradeflow/pkg/schema"
)

// riskLimit checks params.kind against params.threshold. The monitored value
// is params.value or the result of the jq query params.value_from over the
// node's inputs.
type riskLimit struct {
	checker RiskChecker
	jq      *expressions.GoJQEngine
}

func (h *riskLimit) Execute(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (any, error) {
	kind := paramString(node, "kind", "")
	if kind == "" {
		return nil, schema.PermanentError("params.kind is required").WithNode(node.ID)
	}
	threshold, ok, err := paramFloat(node, "threshold")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.PermanentError("params.threshold is required").WithNode(node.ID)
	}

	value, err := h.value(ctx, node, inputs, rc)
	if err != nil {
		return nil, err
	}

	limit := schema.RiskLimit{Kind: kind, Threshold: threshold, AutoHalt: paramBool(node, "auto_halt")}
	if err := h.checker.CheckRiskLimit(kind, value, limit); err != nil {
		return nil, schema.Classify(err).WithNode(node.ID)
	}
	return map[string]any{
		"kind":      kind,
		"value":     value,
		"threshold": threshold,
		"ok":        true,
	}, nil
}

func (h *riskLimit) value(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (float64, error) {
	if query := paramString(node, "value_from", ""); query != "" {
		out, err := h.jq.Evaluate(ctx, query, expressions.Scope{
			Inputs:   inputs,
			Order:    node.Inputs,
			Params:   node.Params,
			Workflow: rc.Metadata(),
		})
		if err != nil {
			return 0, schema.Classify(err).WithNode(node.ID)
		}
		f, err := toFloat(out)
		if err != nil {
			return 0, schema.PermanentError("value_from %q: %s", query, err.Error()).WithNode(node.ID)
		}
		return f, nil
	}

	v, ok, err := paramFloat(node, "value")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, schema.PermanentError("params.value or params.value_from is required").WithNode(node.ID)
	}
	return v, nil
}
