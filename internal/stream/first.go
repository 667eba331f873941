package stream

import (
	"context"
	"sync"
)

// Future holds the first value of a stream
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error

	mu  sync.Mutex
	sub Subscription
}

// FirstValue subscribes to s and resolves with its first emission. An error
// before any value rejects the future, completion without a value rejects it
// with ErrNoElements. The subscription is released once the future settles.
func FirstValue[T any](s Stream[T]) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	sub := s.Subscribe(Observer[T]{
		Next: func(v T) {
			f.settle(v, nil)
			f.release()
		},
		Error: func(err error) {
			var zero T
			f.settle(zero, err)
		},
		Complete: func() {
			var zero T
			f.settle(zero, ErrNoElements)
		},
	})

	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()

	select {
	case <-f.done:
		sub.Unsubscribe()
	default:
	}

	return f
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
	})
}

func (f *Future[T]) release() {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Done is closed once the future settled
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel releases the underlying subscription without waiting
func (f *Future[T]) Cancel() {
	f.release()
}
