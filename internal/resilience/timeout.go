package resilience

import (
	"context"
	"time"

	"github.com/swarmguard/edgecore/internal/types"
)

// WithTimeout runs fn under a deadline of timeoutMS milliseconds, returning a
// TimeoutError if it doesn't complete in time. fn must itself observe ctx
// cancellation at its suspension points to unwind cleanly.
func WithTimeout[T any](ctx context.Context, operation string, timeoutMS int64, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	deadline := time.Duration(timeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := time.Now()
	resultCh := make(chan struct {
		v   T
		err error
	}, 1)
	go func() {
		v, err := fn(ctx)
		resultCh <- struct {
			v   T
			err error
		}{v, err}
	}()

	select {
	case r := <-resultCh:
		return r.v, r.err
	case <-ctx.Done():
		return zero, &types.TimeoutError{Operation: operation, ElapsedMS: time.Since(started).Milliseconds()}
	}
}
