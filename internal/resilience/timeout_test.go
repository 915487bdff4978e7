package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

func TestWithTimeout_ReturnsTransientTimeoutError(t *testing.T) {
	_, err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.True(t, schema.IsTransient(err))
}

func TestWithTimeout_DiscardsLateResult(t *testing.T) {
	start := time.Now()
	out, err := WithTimeout(context.Background(), 10*time.Millisecond, func(context.Context) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return "late", nil
	})
	assert.Nil(t, out)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestWithTimeout_PassesThroughFastResult(t *testing.T) {
	out, err := WithTimeout(context.Background(), time.Second, func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestWithTimeout_ParentCancellationIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithTimeout(ctx, time.Second, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, schema.HasCode(err, schema.ErrCodeTimeout))
}

func TestWithTimeout_ZeroMeansUnbounded(t *testing.T) {
	out, err := WithTimeout(context.Background(), 0, func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
