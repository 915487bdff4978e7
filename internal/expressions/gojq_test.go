package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	scope := Scope{
		Inputs: map[string]any{
			"book": map[string]any{
				"bids": []any{
					map[string]any{"px": 99.0, "qty": int64(2)},
					map[string]any{"px": 98.5, "qty": int64(5)},
				},
			},
		},
		Params:   map[string]any{"side": "bids"},
		Workflow: map[string]any{"workflow_id": "wf-9"},
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"single output", ".book.bids[0].px", 99.0},
		{"int64 normalized", "[.book.bids[].qty] | add", 7.0},
		{"params variable", ".book[$params.side] | length", 2},
		{"workflow variable", "$workflow.workflow_id", "wf-9"},
		{"multiple outputs", ".book.bids[].px", []any{99.0, 98.5}},
		{"no output", "empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoJQEngine_Errors(t *testing.T) {
	e := NewGoJQEngine()

	err := e.Compile(".[")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("bad book")`, Scope{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNode))

	// $ENV is sandboxed.
	out, err := e.Evaluate(context.Background(), "$ENV | length", Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}
