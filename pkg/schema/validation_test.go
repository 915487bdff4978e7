package schema

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError(ErrCodeGraph))
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[0].type", ErrCodeHandlerNotFound, "no handler for provider/unknown")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes[0].type", r.Errors[0].Path)
	assert.Equal(t, ErrCodeHandlerNotFound, r.Errors[0].Code)
}

func TestValidationResult_MergeAndToError(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeGraph, "err1")

	r2 := &ValidationResult{}
	r2.AddError("edges[0]", ErrCodeGraph, "err2")
	r1.Merge(r2)
	r1.Merge(nil)

	require.Len(t, r1.Errors, 2)

	err := r1.ToError(ErrCodeGraph)
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrCodeGraph, e.Code)
	assert.Contains(t, e.Message, "err1")
	assert.Equal(t, 2, e.Details["error_count"])
}

func TestError_FormatAndUnwrap(t *testing.T) {
	cause := errors.New("exchange down")
	err := TransientError("fetch ticker").WithNode("quote").WithCause(cause)

	assert.Equal(t, "[NODE_ERROR] node quote: fetch ticker", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(PermanentError("bad symbol")))
}

func TestHasCode_FollowsCauseChain(t *testing.T) {
	inner := NewError(ErrCodeTimeout, "slow")
	outer := NewError(ErrCodeUpstreamFailed, "upstream quote failed").WithCause(inner)
	wrapped := fmt.Errorf("run: %w", outer)

	assert.True(t, HasCode(wrapped, ErrCodeUpstreamFailed))
	assert.True(t, HasCode(wrapped, ErrCodeTimeout))
	assert.False(t, HasCode(wrapped, ErrCodeCircuitOpen))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeTimeout))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	structured := PermanentError("nope")
	assert.Same(t, structured, Classify(structured))

	deadline := Classify(context.DeadlineExceeded)
	assert.Equal(t, ErrCodeTimeout, deadline.Code)
	assert.True(t, deadline.Transient)

	cancelled := Classify(context.Canceled)
	assert.Equal(t, ErrCodeNode, cancelled.Code)
	assert.False(t, cancelled.Transient)

	unknown := Classify(errors.New("connection reset"))
	assert.True(t, unknown.Transient)
}

func TestParseWorkflow(t *testing.T) {
	def, err := ParseWorkflow([]byte(`{
		"id": "wf-1",
		"nodes": [
			{"id": "a", "category": "provider", "type": "market_data"},
			{"id": "b", "category": "condition", "type": "expr", "inputs": ["a"], "condition": "price > 10", "join": "any"}
		],
		"edges": [{"from": "a", "to": "b"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", def.ID)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, CategoryCondition, def.Nodes[1].Category)
	assert.Equal(t, JoinAny, def.Nodes[1].EffectiveJoin())
	assert.Equal(t, JoinAll, def.Nodes[0].EffectiveJoin())

	_, err = ParseWorkflow([]byte(`{`))
	assert.True(t, HasCode(err, ErrCodeValidation))
}

func TestCategoryValid(t *testing.T) {
	for _, c := range Categories {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Category("analysis").Valid())
}
