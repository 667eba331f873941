package stream

import (
	"context"
	"errors"
	"sync/atomic"
)

// subscriber guards an observer so that nothing is delivered after a terminal
// notification or after Unsubscribe
type subscriber[T any] struct {
	observer Observer[T]
	closed   atomic.Bool
	teardown func()
}

func newSubscriber[T any](o Observer[T], teardown func()) *subscriber[T] {
	return &subscriber[T]{observer: o, teardown: teardown}
}

// next delivers v and reports whether the subscriber is still open
func (s *subscriber[T]) next(v T) bool {
	if s.closed.Load() {
		return false
	}
	s.observer.next(v)
	return !s.closed.Load()
}

func (s *subscriber[T]) error(err error) {
	if s.closed.CompareAndSwap(false, true) {
		s.observer.error(err)
		s.runTeardown()
	}
}

func (s *subscriber[T]) complete() {
	if s.closed.CompareAndSwap(false, true) {
		s.observer.complete()
		s.runTeardown()
	}
}

// Unsubscribe implements Subscription
func (s *subscriber[T]) Unsubscribe() {
	if s.closed.CompareAndSwap(false, true) {
		s.runTeardown()
	}
}

func (s *subscriber[T]) runTeardown() {
	if s.teardown != nil {
		s.teardown()
	}
}

// New creates a stream backed by a producer function. The producer runs on its
// own goroutine for every subscription and pushes values through emit, which
// returns false once the subscriber is gone. Returning nil completes the
// stream, returning an error fails it. The context is cancelled on
// Unsubscribe, so producers blocked on I/O should watch it.
func New[T any](produce func(ctx context.Context, emit func(T) bool) error) Stream[T] {
	return Func[T](func(o Observer[T]) Subscription {
		ctx, cancel := context.WithCancel(context.Background())
		sub := newSubscriber(o, cancel)

		go func() {
			err := produce(ctx, sub.next)
			switch {
			case err == nil:
				sub.complete()
			case errors.Is(err, context.Canceled) && ctx.Err() != nil:
				// unsubscribed; nothing left to deliver
				sub.Unsubscribe()
			default:
				sub.error(err)
			}
		}()

		return sub
	})
}

// Of emits the given values in order and completes
func Of[T any](values ...T) Stream[T] {
	return New(func(ctx context.Context, emit func(T) bool) error {
		for _, v := range values {
			if !emit(v) {
				return nil
			}
		}
		return nil
	})
}

// Throw fails immediately with err
func Throw[T any](err error) Stream[T] {
	return New(func(ctx context.Context, emit func(T) bool) error {
		return err
	})
}

// Never emits nothing and never terminates until unsubscribed
func Never[T any]() Stream[T] {
	return New(func(ctx context.Context, emit func(T) bool) error {
		<-ctx.Done()
		return ctx.Err()
	})
}
