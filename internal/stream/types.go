package stream

import (
	"errors"
	"sync"
)

// ErrNoElements is returned when a stream completes before emitting anything
var ErrNoElements = errors.New("stream completed without emitting a value")

// Observer receives the notifications of a stream. Any callback may be nil.
// A stream delivers zero or more Next calls followed by at most one of Error
// or Complete, and never calls Next concurrently for the same observer.
type Observer[T any] struct {
	Next     func(T)
	Error    func(error)
	Complete func()
}

func (o Observer[T]) next(v T) {
	if o.Next != nil {
		o.Next(v)
	}
}

func (o Observer[T]) error(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o Observer[T]) complete() {
	if o.Complete != nil {
		o.Complete()
	}
}

// Subscription is a live handle on a stream. Unsubscribe is idempotent and
// safe to call from any goroutine, including from inside a callback.
type Subscription interface {
	Unsubscribe()
}

// Stream is a cold, push-based source of values. Every Subscribe starts an
// independent run of the source.
type Stream[T any] interface {
	Subscribe(o Observer[T]) Subscription
}

// Func adapts a subscribe function to the Stream interface
type Func[T any] func(o Observer[T]) Subscription

// Subscribe implements Stream
func (f Func[T]) Subscribe(o Observer[T]) Subscription {
	return f(o)
}

// funcSubscription runs its teardown at most once
type funcSubscription struct {
	once     sync.Once
	teardown func()
}

// NewSubscription wraps teardown into an idempotent Subscription
func NewSubscription(teardown func()) Subscription {
	return &funcSubscription{teardown: teardown}
}

// Unsubscribe implements Subscription
func (s *funcSubscription) Unsubscribe() {
	s.once.Do(func() {
		if s.teardown != nil {
			s.teardown()
		}
	})
}
