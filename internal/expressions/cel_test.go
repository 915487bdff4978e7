package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	scope := Scope{
		Inputs:   map[string]any{"quote": map[string]any{"price": 101.5, "symbol": "ETH-USD"}},
		Params:   map[string]any{"floor": 100.0},
		Workflow: map[string]any{"strategy_id": "momo"},
	}

	got, err := e.Evaluate(ctx, "inputs.quote.price > params.floor", scope)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = e.Evaluate(ctx, `workflow.strategy_id == "momo" && inputs.quote.symbol.startsWith("ETH")`, scope)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = e.Evaluate(ctx, `"quote" in inputs`, Scope{})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestCELEngine_CompileRejectsUnknownVariables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile("steps.a > 1")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.NoError(t, e.Compile("size(inputs) > 0"))
}

func TestCELEngine_MissingKeyIsEvalError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "inputs.quote.price > 1.0", Scope{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNode))
}
