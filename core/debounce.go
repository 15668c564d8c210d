package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrDebounceStopped = errors.New("core: debounced call stopped before it ran")

// Debouncer runs only the last call of a burst, after the burst has been quiet for the delay.
// Every caller in the burst receives that single result.
type Debouncer[T any] struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	seq     uint64
	pending *debounceBatch[T]
	running int
}

// debounceBatch runs under its own context. It carries the first caller's values and is
// cancelled only once every waiter has gone.
type debounceBatch[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	fn      func(context.Context) (T, error)
	waiters int
	done    chan struct{}
	value   T
	err     error
}

func NewDebouncer[T any](delay time.Duration) *Debouncer[T] {
	if delay < 0 {
		delay = 0
	}
	return &Debouncer[T]{delay: delay}
}

func (d *Debouncer[T]) Do(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	if d.pending == nil {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.pending = &debounceBatch[T]{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	}
	batch := d.pending
	batch.fn = fn
	batch.waiters++
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.fire(batch, seq) })
	d.mu.Unlock()

	select {
	case <-batch.done:
		return batch.value, batch.err
	case <-ctx.Done():
		d.leave(batch)
		return zero, ctx.Err()
	}
}

// leave drops one waiter. The last waiter to go cancels the batch, and a batch that has
// not fired yet is discarded.
func (d *Debouncer[T]) leave(batch *debounceBatch[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch.waiters--
	if batch.waiters > 0 {
		return
	}
	batch.cancel()
	if d.pending != batch {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.pending = nil
}

// Pending reports whether a call is waiting for its quiet period.
func (d *Debouncer[T]) Pending() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Busy reports whether a call is waiting or running.
func (d *Debouncer[T]) Busy() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil || d.running > 0
}

// Stop drops the waiting call. Its callers receive ErrDebounceStopped.
func (d *Debouncer[T]) Stop() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	if d.pending != nil {
		d.pending.err = ErrDebounceStopped
		d.pending.cancel()
		close(d.pending.done)
		d.pending = nil
	}
}

func (d *Debouncer[T]) fire(batch *debounceBatch[T], seq uint64) {
	d.mu.Lock()
	if d.pending != batch || d.seq != seq {
		d.mu.Unlock()
		return
	}
	d.pending = nil
	d.timer = nil
	d.running++
	ctx, fn := batch.ctx, batch.fn
	d.mu.Unlock()

	batch.value, batch.err = fn(ctx)
	batch.cancel()
	d.mu.Lock()
	d.running--
	d.mu.Unlock()
	close(batch.done)
}
