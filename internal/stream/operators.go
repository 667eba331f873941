package stream

import "sync"

// Skip drops the first n values of every subscription
func Skip[T any](s Stream[T], n int) Stream[T] {
	return Func[T](func(o Observer[T]) Subscription {
		skipped := 0
		return s.Subscribe(Observer[T]{
			Next: func(v T) {
				if skipped < n {
					skipped++
					return
				}
				o.next(v)
			},
			Error:    o.Error,
			Complete: o.Complete,
		})
	})
}

// Map transforms every value with fn
func Map[T, R any](s Stream[T], fn func(T) R) Stream[R] {
	return Func[R](func(o Observer[R]) Subscription {
		return s.Subscribe(Observer[T]{
			Next: func(v T) {
				o.next(fn(v))
			},
			Error:    o.Error,
			Complete: o.Complete,
		})
	})
}

// Finalize runs fn exactly once per subscription, after the stream errors,
// completes or is unsubscribed, whichever happens first
func Finalize[T any](s Stream[T], fn func()) Stream[T] {
	return Func[T](func(o Observer[T]) Subscription {
		var once sync.Once
		final := func() { once.Do(fn) }

		inner := s.Subscribe(Observer[T]{
			Next: o.Next,
			Error: func(err error) {
				o.error(err)
				final()
			},
			Complete: func() {
				o.complete()
				final()
			},
		})

		return NewSubscription(func() {
			inner.Unsubscribe()
			final()
		})
	})
}
