package subscription

import (
	"context"
	"sync"

	"streamquery/internal/bridge"
	"streamquery/internal/querycache"
	"streamquery/internal/querykey"
)

// Subscription binds one stream to one cache key. Every Subscription for the
// same key shares the cached value and a single live stream.
type Subscription[T any] struct {
	client   *querycache.Client
	key      querykey.Key
	fn       *bridge.QueryFn[T]
	observer *querycache.Observer
	opts     Options[T]

	closeOnce sync.Once
}

// Subscribe attaches a consumer to key. The stream from factory is opened on
// the first fetch, and its later values keep the cache up to date. The stream
// is never considered stale on its own; it is reopened only after an error,
// completion, invalidation or an explicit Refetch.
func Subscribe[T any](client *querycache.Client, key querykey.Key, factory bridge.Factory[T], opts Options[T]) *Subscription[T] {
	s := &Subscription[T]{
		client: client,
		key:    key,
		opts:   opts,
	}
	s.fn = bridge.New(client, factory, bridge.Replace[T])
	s.observer = client.Observe(querycache.ObserverOptions{
		Key:                 key,
		Fn:                  s.fn.Fetch,
		Disabled:            opts.Disabled,
		Retry:               opts.Retry,
		RetryDelay:          opts.RetryDelay,
		DisableRetryOnMount: opts.DisableRetryOnMount,
		Listener:            s.onChange,
	})
	return s
}

func (s *Subscription[T]) onChange(st querycache.State, ev querycache.Event) {
	switch ev.Type {
	case querycache.EventError:
		s.fn.ClearErrors()
		if s.opts.OnError != nil {
			s.opts.OnError(st.Error)
		}
	case querycache.EventSuccess:
		if !ev.DataChanged || s.opts.OnData == nil {
			return
		}
		r := resolve(st, as[T], s.opts.Select, nil)
		if r.HasData {
			s.opts.OnData(r.Data)
		}
	}
}

// Key returns the subscription key
func (s *Subscription[T]) Key() querykey.Key {
	return s.key
}

// Result returns the current state of the subscription
func (s *Subscription[T]) Result() Result[T] {
	return resolve(s.observer.State(), as[T], s.opts.Select, s.opts.PlaceholderData)
}

// Refetch reopens the stream and waits for its first value
func (s *Subscription[T]) Refetch(ctx context.Context) (Result[T], error) {
	_, err := s.observer.Refetch(ctx)
	return s.Result(), err
}

// SetDisabled toggles automatic fetching
func (s *Subscription[T]) SetDisabled(disabled bool) {
	s.observer.SetDisabled(disabled)
}

// Close detaches the consumer. The live stream is torn down once no consumer
// of the key is left.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.observer.Close()
		if s.client.ObserverCount(s.key) == 0 {
			s.client.Subscriptions().Cleanup(s.key.Hash())
		}
	})
}
