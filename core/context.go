package core

import "context"

// mergeCancel derives a context from ctx that is also cancelled when other is done.
func mergeCancel(ctx context.Context, other context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	merged, cancel := context.WithCancelCause(ctx)
	if other == nil {
		return merged, func() { cancel(context.Canceled) }
	}
	stop := context.AfterFunc(other, func() {
		cancel(context.Cause(other))
	})
	return merged, func() {
		stop()
		cancel(context.Canceled)
	}
}

// awaitCall runs fn and returns as soon as fn returns or ctx is done, whichever comes
// first. A call that ignores ctx is left to finish on its own and its result is dropped.
func awaitCall[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(ctx)
		done <- outcome{value: value, err: err}
	}()
	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
