// Package async provides the uniform success-or-failure result type used for
// every operation that must not block the frame loop: anchor creation,
// persistent-handle requests, restores and storage I/O.
package async

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Result when the future has not completed yet.
var ErrPending = errors.New("async: result pending")

// Future holds the eventual outcome of an asynchronous operation. It completes
// exactly once.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error

	mu    sync.Mutex
	after []func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// NewPromise returns an incomplete future and the function that completes it.
// Calls after the first are ignored.
func NewPromise[T any]() (*Future[T], func(T, error)) {
	f := newFuture[T]()
	return f, f.complete
}

// Resolved returns a future already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.complete(v, nil)
	return f
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// Go runs fn on its own goroutine and returns its future.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	go func() {
		v, err := fn(ctx)
		f.complete(v, err)
	}()
	return f
}

// Then maps a successful result once the source completes. Failures pass
// through unchanged. fn runs on the goroutine that completes src, so the
// mapped future is ready as soon as src is.
func Then[T, U any](src *Future[T], fn func(T) (U, error)) *Future[U] {
	out, complete := NewPromise[U]()
	src.onComplete(func() {
		if src.err != nil {
			var zero U
			complete(zero, src.err)
			return
		}
		complete(fn(src.value))
	})
	return out
}

// onComplete runs cb once the future completes, immediately if it already
// has.
func (f *Future[T]) onComplete(cb func()) {
	f.mu.Lock()
	if !f.Ready() {
		f.after = append(f.after, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cb()
}

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value = v
		f.err = err
		close(f.done)
		after := f.after
		f.after = nil
		f.mu.Unlock()
		for _, cb := range after {
			cb()
		}
	})
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Ready reports whether the result is available without blocking.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome, or ErrPending if the future is still running.
// It never blocks, which makes it safe to poll from a frame callback.
func (f *Future[T]) Result() (T, error) {
	if !f.Ready() {
		var zero T
		return zero, ErrPending
	}
	return f.value, f.err
}

// Wait blocks until the result is available or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
