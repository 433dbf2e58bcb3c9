package session

import (
	"context"

	pkgerrors "github.com/pkg/errors"
)

// race runs op in its own goroutine and returns its result, unless ctx is
// done first. On cancellation the returned error wraps context.Cause(ctx),
// so an explicit disconnect is distinguishable from a timeout. The
// operation itself is not interrupted; a result arriving after
// cancellation is discarded (the channel is buffered, so the late send
// does not block).
func race[T any](ctx context.Context, op func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := op()
		ch <- result{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, pkgerrors.Wrap(context.Cause(ctx), "canceled")
	}
}
