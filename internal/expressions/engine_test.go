package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

func newEngines(t *testing.T) *Engines {
	t.Helper()
	e, err := NewEngines()
	require.NoError(t, err)
	return e
}

func TestScope_EnvFlattensMapInputs(t *testing.T) {
	s := Scope{
		Inputs: map[string]any{
			"a": map[string]any{"x": 5.0, "params": "shadowed"},
			"b": map[string]any{"x": 99.0, "y": 1.0},
		},
		Order:  []string{"a", "b"},
		Params: map[string]any{"limit": 10.0},
	}
	env := s.Env()

	assert.Equal(t, 5.0, env["x"], "earlier input wins")
	assert.Equal(t, 1.0, env["y"])
	assert.Equal(t, map[string]any{"limit": 10.0}, env["params"])
	assert.NotContains(t, env, "value")
	assert.Equal(t, map[string]any{}, env["workflow"])
}

func TestScope_EnvSingleScalarIsValue(t *testing.T) {
	env := Scope{Inputs: map[string]any{"price": 101.5}, Order: []string{"price"}}.Env()
	assert.Equal(t, 101.5, env["value"])
}

func TestEngines_Lookup(t *testing.T) {
	e := newEngines(t)
	assert.Equal(t, []string{"cel", "expr", "jq"}, e.Names())

	def, ok := e.Lookup("")
	require.True(t, ok)
	assert.Equal(t, DefaultEngine, def.Name())

	_, ok = e.Lookup("lua")
	assert.False(t, ok)
}

func TestEngines_EvaluateBool(t *testing.T) {
	e := newEngines(t)
	ctx := context.Background()
	scope := Scope{Inputs: map[string]any{"a": map[string]any{"x": 5.0}}, Order: []string{"a"}}

	ok, err := e.EvaluateBool(ctx, "expr", "x > 10", scope)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.EvaluateBool(ctx, "expr", "inputs.a.x == 5", scope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, "cel", "inputs.a.x < 10.0", scope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, "jq", ".a.x >= 5", scope)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.EvaluateBool(ctx, "expr", "x + 1", scope)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.EvaluateBool(ctx, "lua", "true", scope)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerNotFound))
}
