package querycache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"streamquery/internal/querykey"
)

// ObserverOptions configures a consumer of a query
type ObserverOptions struct {
	Key querykey.Key
	Fn  QueryFunc

	// Disabled prevents automatic fetches; explicit refetches still run
	Disabled bool
	// Retry is nil for no retries
	Retry      RetryPolicy
	RetryDelay RetryDelayFunc
	// DisableRetryOnMount skips the mount fetch of a query that is in error
	// and has never received data
	DisableRetryOnMount bool

	// Infinite makes the observer paginated
	Infinite *InfiniteOptions

	// Listener is called on the client's notification goroutine after every
	// state change of the query
	Listener func(State, Event)
}

// Observer is an attached consumer of a query. It counts towards the query's
// reference count until Close.
type Observer struct {
	id     string
	client *Client
	query  *Query

	mu     sync.Mutex
	opts   ObserverOptions
	closed bool
}

// ID returns the observer's unique id
func (o *Observer) ID() string {
	return o.id
}

// Query returns the observed query
func (o *Observer) Query() *Query {
	return o.query
}

// State returns the current state of the observed query
func (o *Observer) State() State {
	return o.query.State()
}

func (o *Observer) enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed && !o.opts.Disabled
}

func (o *Observer) options() ObserverOptions {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opts
}

func (o *Observer) deliver(st State, ev Event) {
	o.mu.Lock()
	closed, listener := o.closed, o.opts.Listener
	o.mu.Unlock()

	if !closed && listener != nil {
		listener(st, ev)
	}
}

func (o *Observer) request(meta *FetchMeta, cancelRefetch bool) fetchRequest {
	opts := o.options()
	return fetchRequest{
		fn:            opts.Fn,
		retry:         retryer{policy: opts.Retry, delay: opts.RetryDelay},
		infinite:      opts.Infinite,
		meta:          meta,
		cancelRefetch: cancelRefetch,
		observer:      o,
	}
}

func (o *Observer) await(ctx context.Context, ch <-chan singleflight.Result) (State, error) {
	select {
	case r := <-ch:
		return o.query.State(), r.Err
	case <-ctx.Done():
		return o.query.State(), ctx.Err()
	}
}

// shouldFetchOnMount reports whether attaching with opts to a query in state st
// starts a fetch
func shouldFetchOnMount(st State, opts ObserverOptions) bool {
	if opts.Disabled {
		return false
	}
	if st.DataUpdatedAt.IsZero() {
		return !(st.Status == StatusError && opts.DisableRetryOnMount)
	}
	return st.IsInvalidated
}

// Refetch starts a new fetch, cancelling one in flight, and waits for it
func (o *Observer) Refetch(ctx context.Context) (State, error) {
	return o.await(ctx, o.query.fetch(o.request(nil, true)))
}

// SetDisabled toggles automatic fetching. Enabling an observer whose query
// has no fresh data starts a fetch.
func (o *Observer) SetDisabled(disabled bool) {
	o.mu.Lock()
	if o.closed || o.opts.Disabled == disabled {
		o.mu.Unlock()
		return
	}
	o.opts.Disabled = disabled
	o.mu.Unlock()

	if disabled {
		return
	}
	st := o.query.State()
	if st.DataUpdatedAt.IsZero() || st.IsInvalidated {
		o.query.fetch(o.request(nil, false))
	}
}

// HasNextPage reports whether the next-page cursor resolves for the cached pages
func (o *Observer) HasNextPage() bool {
	_, ok := o.nextPageParam()
	return ok
}

// HasPreviousPage reports whether the previous-page cursor resolves for the cached pages
func (o *Observer) HasPreviousPage() bool {
	_, ok := o.previousPageParam()
	return ok
}

func (o *Observer) nextPageParam() (any, bool) {
	inf := o.options().Infinite
	data, ok := o.query.State().Data.(InfiniteData)
	if inf == nil || inf.GetNextPageParam == nil || !ok || len(data.Pages) == 0 {
		return nil, false
	}
	return inf.GetNextPageParam(data.Pages[len(data.Pages)-1], data.Pages)
}

func (o *Observer) previousPageParam() (any, bool) {
	inf := o.options().Infinite
	data, ok := o.query.State().Data.(InfiniteData)
	if inf == nil || inf.GetPreviousPageParam == nil || !ok || len(data.Pages) == 0 {
		return nil, false
	}
	return inf.GetPreviousPageParam(data.Pages[0], data.Pages)
}

// FetchNextPage fetches the page after the last cached one. It does nothing
// when there is no next cursor.
func (o *Observer) FetchNextPage(ctx context.Context) (State, error) {
	param, ok := o.nextPageParam()
	if !ok {
		return o.query.State(), nil
	}
	meta := &FetchMeta{Direction: DirectionForward, PageParam: param}
	return o.await(ctx, o.query.fetch(o.request(meta, true)))
}

// FetchPreviousPage fetches the page before the first cached one. It does
// nothing when there is no previous cursor.
func (o *Observer) FetchPreviousPage(ctx context.Context) (State, error) {
	param, ok := o.previousPageParam()
	if !ok {
		return o.query.State(), nil
	}
	meta := &FetchMeta{Direction: DirectionBackward, PageParam: param}
	return o.await(ctx, o.query.fetch(o.request(meta, true)))
}

// Close detaches the observer. Removing the last observer cancels an
// in-flight fetch and moves the query to the inactive set.
func (o *Observer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.client.removeObserver(o.query, o)
}
