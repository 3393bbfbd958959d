package batcher

import (
	"context"
	"sync"
)

// Future is the result handle of one submitted request. It is resolved
// exactly once, and any number of goroutines may wait on it.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete resolves the future. Returns false if it was already resolved.
func (f *Future[T]) complete(value T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel that is closed once the future is resolved
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx is done. Giving up on ctx
// does not withdraw the request; it is still sent with its batch.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolved value without blocking. ok is false while the
// future is still pending.
func (f *Future[T]) Result() (value T, ok bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}
