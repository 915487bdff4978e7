package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/tradeflow/pkg/schema"
)

type opResult struct {
	out any
	err error
}

// WithTimeout bounds op to d. On expiry op's context is cancelled and a
// transient TIMEOUT_ERROR is returned at once; a result that arrives later is
// discarded. A non-positive d runs op unbounded.
func WithTimeout(ctx context.Context, d time.Duration, op Operation) (any, error) {
	if d <= 0 {
		return op(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan opResult, 1)
	go func() {
		out, err := op(tctx)
		done <- opResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutError(d, r.err)
		}
		return r.out, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(d, tctx.Err())
	}
}

func timeoutError(d time.Duration, cause error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "operation exceeded %s", d).
		AsTransient().
		WithCause(cause)
}
