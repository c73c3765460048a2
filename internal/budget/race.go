package budget

import (
	"context"
	"time"
)

type raceResult[T any] struct {
	value T
	err   error
}

// Race runs fn under its own timer. When the timer fires first, fn's context
// is cancelled and a *TimeoutError tagged with tier and label is returned;
// fn's late result is discarded. Cancellation of ctx is returned as ctx.Err().
func Race[T any](ctx context.Context, tier Tier, label string, limit time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan raceResult[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- raceResult[T]{value: v, err: err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		cancel()
		return zero, &TimeoutError{Tier: tier, Label: label, Limit: limit}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
