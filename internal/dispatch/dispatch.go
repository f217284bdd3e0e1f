// Package dispatch runs an async function across a sequence with bounded
// concurrency.
package dispatch

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ForEach invokes fn for every item with at most concurrency invocations in
// flight. The first error cancels the run: already-started invocations
// finish, not-yet-started items are dropped, and that first error is
// returned. Result ordering is the caller's concern.
func ForEach[T any](ctx context.Context, concurrency int, items []T, fn func(context.Context, T) error) error {
	if concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sem := semaphore.NewWeighted(int64(concurrency))
	for _, item := range items {
		// Acquire suspends once the cap is reached; it also observes
		// cancellation so remaining items are dropped after a failure.
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		item := item
		go func() {
			defer sem.Release(1)
			if err := fn(runCtx, item); err != nil {
				cancel(err)
			}
		}()
	}

	// Wait for in-flight invocations to finish.
	_ = sem.Acquire(context.Background(), int64(concurrency))

	if cause := context.Cause(runCtx); cause != nil && cause != context.Canceled {
		// The parent's own cancellation propagates unchanged.
		if ctx.Err() != nil && cause == ctx.Err() {
			return ctx.Err()
		}
		return cause
	}
	return runCtx.Err()
}
