package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"streamquery/internal/metrics"
	"streamquery/internal/querycache"
	"streamquery/internal/querykey"
	"streamquery/internal/stream"
	"streamquery/internal/subscriptionregistry"
)

// Factory opens the stream for one fetch. Returning an error is a
// subscribe-time failure and goes through the cache's retry policy.
type Factory[T any] func(ctx context.Context, qc querycache.QueryContext) (stream.Stream[T], error)

// Merge folds an emission that arrived after the first one into the cached
// value. previous is the cached data at the time of the update.
type Merge[T any] func(data T, previous any, pageParam any) any

// Replace is the merge of single-value subscriptions: the latest emission wins
func Replace[T any](data T, _ any, _ any) any {
	return data
}

// QueryFn turns a stream factory into a query function. The first emission
// of each stream resolves the fetch; later emissions are written straight into
// the cache by a background listener that lives in the client's subscription
// registry until it is cleaned up or the stream ends.
type QueryFn[T any] struct {
	client  *querycache.Client
	factory Factory[T]
	merge   Merge[T]
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	failure error
}

// New creates a query function bound to client
func New[T any](client *querycache.Client, factory Factory[T], merge Merge[T]) *QueryFn[T] {
	if merge == nil {
		merge = Replace[T]
	}
	return &QueryFn[T]{
		client:  client,
		factory: factory,
		merge:   merge,
		logger:  client.Logger().With().Str("component", "stream-bridge").Logger(),
		metrics: client.Metrics(),
	}
}

// Slot returns the registry slot for a page cursor
func Slot(pageParam any) string {
	if pageParam == nil {
		return subscriptionregistry.DefaultSlot
	}
	return querykey.HashValue(pageParam)
}

// ClearErrors resets the failure latch so the next fetch opens a new stream
func (f *QueryFn[T]) ClearErrors() {
	f.mu.Lock()
	f.failure = nil
	f.mu.Unlock()
}

// Failure returns the latched stream error, if any
func (f *QueryFn[T]) Failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure
}

func (f *QueryFn[T]) latch(err error) {
	f.mu.Lock()
	f.failure = err
	f.mu.Unlock()
}

func (f *QueryFn[T]) invalidate(key querykey.Key) {
	f.client.InvalidateQueries(key, querycache.InvalidateOptions{CancelRefetch: false})
}

// Fetch implements querycache.QueryFunc
func (f *QueryFn[T]) Fetch(ctx context.Context, qc querycache.QueryContext) (any, error) {
	if err := f.Failure(); err != nil {
		return nil, err
	}

	src, err := f.factory(ctx, qc)
	if err != nil {
		f.metrics.StreamFailed("subscribe")
		return nil, err
	}
	f.metrics.StreamOpened()

	key := qc.Key
	hash := qc.Hash
	pageParam := qc.PageParam
	slot := Slot(pageParam)
	log := f.logger.With().Str("key", hash).Str("slot", slot).Logger()

	shared := stream.Share(src)
	registry := f.client.Subscriptions()
	registry.CleanupSlot(hash, slot)

	// The background listener is attached before the first-value listener so
	// a failure is latched before the fetch observes it. Once a first value
	// went out, everything the background writes waits for the fetch to
	// record that value, or its stale-mark and invalidation would be undone.
	settled := qc.Settled()
	var received atomic.Bool
	afterFirst := func() {
		if received.Load() {
			<-settled
		}
	}
	background := stream.Finalize[T](stream.Skip[T](shared, 1), func() {
		afterFirst()
		log.Debug().Msg("stream finished")
		f.invalidate(key)
	}).Subscribe(stream.Observer[T]{
		Next: func(v T) {
			afterFirst()
			f.client.SetQueryData(key, func(prev any) (any, bool) {
				return f.merge(v, prev, pageParam), true
			})
			f.metrics.StreamEmitted()
		},
		Error: func(err error) {
			log.Warn().Err(err).Msg("stream failed")
			f.metrics.StreamFailed("emit")
			f.latch(err)
			afterFirst()
			// Keep the last value but mark it as never fetched
			f.client.SetQueryData(key, func(prev any) (any, bool) {
				return prev, prev != nil
			}, querycache.UpdatedAt(time.Time{}))
		},
	})
	// A fetch cancelled while the factory ran has had its slot cleaned up
	// already; its stream must not outlive it.
	if !registry.StoreLive(ctx, hash, slot, background) {
		return nil, querycache.ErrFetchCancelled
	}

	first := stream.FirstValue[T](stream.Map[T, T](shared, func(v T) T {
		received.Store(true)
		return v
	}))
	stop := context.AfterFunc(ctx, func() {
		log.Debug().Msg("fetch aborted before first value")
		f.invalidate(key)
	})

	shared.Connect()
	log.Debug().Msg("stream opened")

	v, err := first.Wait(ctx)
	stop()
	if err != nil {
		first.Cancel()
		return nil, err
	}
	return v, nil
}
