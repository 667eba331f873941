package querycache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"streamquery/internal/querykey"
)

// fetchRequest carries everything one fetch needs
type fetchRequest struct {
	fn            QueryFunc
	retry         retryer
	infinite      *InfiniteOptions
	meta          *FetchMeta
	cancelRefetch bool
	// observer issued the request, nil for direct fetches
	observer *Observer
}

// flight is the fetch currently running for a query
type flight struct {
	gen    uint64
	cancel context.CancelFunc
	revert State
}

// Query is one cache entry with its state, observers and in-flight fetch
type Query struct {
	client *Client
	key    querykey.Key
	hash   string

	mu        sync.Mutex
	state     State
	observers []*Observer
	flight    *flight
	gen       uint64
	// lastFetcher is the observer whose options ran the latest fetch
	lastFetcher *Observer
}

func newQuery(c *Client, key querykey.Key, hash string) *Query {
	return &Query{
		client: c,
		key:    key,
		hash:   hash,
		state:  State{Status: StatusIdle},
	}
}

// Key returns the query key
func (q *Query) Key() querykey.Key {
	return q.key
}

// Hash returns the canonical key hash
func (q *Query) Hash() string {
	return q.hash
}

// State returns a snapshot of the query state
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// ObserverCount returns the number of attached observers
func (q *Query) ObserverCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

func (q *Query) hasActiveObserverLocked() bool {
	for _, o := range q.observers {
		if o.enabled() {
			return true
		}
	}
	return false
}

// notifyLocked schedules ev for every observer; q.mu must be held
func (q *Query) notifyLocked(ev Event) {
	if len(q.observers) == 0 {
		return
	}
	st := q.state
	for _, o := range q.observers {
		o := o
		q.client.notify.schedule(func() { o.deliver(st, ev) })
	}
}

// setData records data as a successful update; q.mu must be held
func (q *Query) setDataLocked(data any, updatedAt time.Time) bool {
	changed := !q.state.HasData || !reflect.DeepEqual(q.state.Data, data)
	if changed {
		q.state.Data = data
		q.state.DataVersion++
	}
	q.state.HasData = true
	q.state.DataUpdatedAt = updatedAt
	q.state.Error = nil
	q.state.IsInvalidated = false
	q.state.Status = StatusSuccess
	return changed
}

// setData applies a manual update. It leaves the fetch status alone.
func (q *Query) setData(updater Updater, opts setOptions) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next, ok := updater(q.state.Data)
	if !ok {
		return q.state.Data, false
	}

	updatedAt := time.Now()
	if opts.hasUpdatedAt {
		updatedAt = opts.updatedAt
	}
	changed := q.setDataLocked(next, updatedAt)
	q.notifyLocked(Event{Type: EventSuccess, DataChanged: changed})
	return q.state.Data, true
}

func (q *Query) invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.IsInvalidated {
		return
	}
	q.state.IsInvalidated = true
	q.notifyLocked(Event{Type: EventInvalidate})
}

// fetch starts a fetch or joins the one in flight
func (q *Query) fetch(req fetchRequest) <-chan singleflight.Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.client.closed.Load() {
		return settledResult(ErrClientClosed)
	}
	if req.fn == nil {
		return settledResult(ErrNoQueryFunc)
	}
	if req.observer != nil {
		q.lastFetcher = req.observer
	}

	if f := q.flight; f != nil {
		if !req.cancelRefetch || q.state.DataUpdatedAt.IsZero() {
			// The call for q.hash is still registered while a flight is set,
			// so this joins it and the function is never run.
			return q.client.flights.DoChan(q.hash, func() (any, error) {
				return nil, ErrFetchCancelled
			})
		}
		// Replace the running fetch without reverting its state
		q.flight = nil
		q.client.flights.Forget(q.hash)
		f.cancel()
		q.client.metrics.FetchSettled("cancelled")
	}

	q.gen++
	gen := q.gen
	ctx, cancel := context.WithCancel(q.client.ctx)
	f := &flight{gen: gen, cancel: cancel, revert: q.state}

	q.state.IsFetching = true
	q.state.FetchMeta = req.meta
	q.state.FailureCount = 0
	if q.state.DataUpdatedAt.IsZero() {
		q.state.Error = nil
		q.state.Status = StatusLoading
	}
	q.notifyLocked(Event{Type: EventFetch})

	q.flight = f
	return q.client.flights.DoChan(q.hash, func() (any, error) {
		return q.run(ctx, gen, req)
	})
}

// refetch re-runs a fetch with the options of an enabled observer. The
// observer that fetched last is preferred while it is attached, so a failure
// latched by its query function is reported to it.
func (q *Query) refetch(cancelRefetch bool) {
	q.mu.Lock()
	var pick *Observer
	for _, o := range q.observers {
		if !o.enabled() {
			continue
		}
		if o == q.lastFetcher {
			pick = o
			break
		}
		if pick == nil {
			pick = o
		}
	}
	q.mu.Unlock()

	if pick == nil {
		return
	}
	q.fetch(pick.request(nil, cancelRefetch))
}

// cancel stops the in-flight fetch. With revert the fetch state is rolled back.
func (q *Query) cancel(revert bool) {
	q.mu.Lock()
	f := q.flight
	if f == nil {
		q.mu.Unlock()
		return
	}
	q.flight = nil
	q.client.flights.Forget(q.hash)

	if revert {
		q.state.IsFetching = false
		q.state.FetchMeta = nil
		q.state.FailureCount = f.revert.FailureCount
		if q.state.Status == StatusLoading {
			q.state.Status = f.revert.Status
			q.state.Error = f.revert.Error
		}
		q.notifyLocked(Event{Type: EventCancel})
	}
	q.mu.Unlock()

	f.cancel()
	q.client.metrics.FetchSettled("cancelled")
	q.client.logger.Debug().Str("key", q.hash).Bool("revert", revert).Msg("fetch cancelled")
}

// run executes the attempts of one fetch generation
func (q *Query) run(ctx context.Context, gen uint64, req fetchRequest) (any, error) {
	failures := 0
	for {
		settled := make(chan struct{})
		compose, err := q.attempt(ctx, req, settled)

		if ctx.Err() != nil {
			close(settled)
			return nil, ErrFetchCancelled
		}

		if err == nil {
			data, ok := q.applySuccess(gen, compose)
			close(settled)
			if !ok {
				return nil, ErrFetchCancelled
			}
			return data, nil
		}

		failures++
		if !req.retry.shouldRetry(failures, err) {
			ok := q.applyError(gen, failures, err)
			close(settled)
			if !ok {
				return nil, ErrFetchCancelled
			}
			return nil, err
		}

		ok := q.applyFailed(gen, failures, err)
		close(settled)
		if !ok {
			return nil, ErrFetchCancelled
		}

		delay := req.retry.delayFor(failures, err)
		q.client.logger.Warn().
			Err(err).
			Str("key", q.hash).
			Int("failureCount", failures).
			Dur("delay", delay).
			Msg("fetch failed, retrying")
		q.client.metrics.FetchRetried()

		if !wait(ctx, delay) {
			return nil, ErrFetchCancelled
		}
	}
}

// attempt runs the query function once. It returns a function that folds the
// result into the data current at the time it is applied.
func (q *Query) attempt(ctx context.Context, req fetchRequest, settled chan struct{}) (func(prev any) any, error) {
	qc := QueryContext{Key: q.key, Hash: q.hash, settled: settled}

	if req.infinite == nil {
		data, err := req.fn(ctx, qc)
		if err != nil {
			return nil, err
		}
		return func(any) any { return data }, nil
	}

	if req.meta != nil && req.meta.Direction != DirectionNone {
		return q.fetchPage(ctx, req, qc)
	}
	return q.fetchAllPages(ctx, req, qc)
}

// fetchPage fetches one page and extends (or replaces in place) the pages
func (q *Query) fetchPage(ctx context.Context, req fetchRequest, qc QueryContext) (func(prev any) any, error) {
	qc.PageParam = req.meta.PageParam
	qc.Direction = req.meta.Direction

	page, err := req.fn(ctx, qc)
	if err != nil {
		return nil, err
	}

	param := req.meta.PageParam
	forward := req.meta.Direction == DirectionForward
	return func(prev any) any {
		old, _ := prev.(InfiniteData)
		next := InfiniteData{
			Pages:      append([]any(nil), old.Pages...),
			PageParams: append([]any(nil), old.PageParams...),
		}
		if i := next.IndexOf(param); i >= 0 {
			next.Pages[i] = page
			return next
		}
		if forward {
			next.Pages = append(next.Pages, page)
			next.PageParams = append(next.PageParams, param)
		} else {
			next.Pages = append([]any{page}, next.Pages...)
			next.PageParams = append([]any{param}, next.PageParams...)
		}
		return next
	}, nil
}

// fetchAllPages refetches every known page with its stored cursor, in order.
// Without cached pages it fetches the first page with a nil cursor.
func (q *Query) fetchAllPages(ctx context.Context, req fetchRequest, qc QueryContext) (func(prev any) any, error) {
	q.mu.Lock()
	old, _ := q.state.Data.(InfiniteData)
	q.mu.Unlock()

	params := append([]any(nil), old.PageParams...)
	if len(params) == 0 {
		params = []any{nil}
	}

	fetched := InfiniteData{
		Pages:      make([]any, 0, len(params)),
		PageParams: make([]any, 0, len(params)),
	}
	for _, param := range params {
		pqc := qc
		pqc.PageParam = param
		page, err := req.fn(ctx, pqc)
		if err != nil {
			return nil, err
		}
		fetched.Pages = append(fetched.Pages, page)
		fetched.PageParams = append(fetched.PageParams, param)
	}

	return func(any) any { return fetched }, nil
}

func (q *Query) applySuccess(gen uint64, compose func(prev any) any) (any, bool) {
	q.mu.Lock()
	if q.flight == nil || q.flight.gen != gen {
		q.mu.Unlock()
		return nil, false
	}
	q.flight = nil
	q.client.flights.Forget(q.hash)

	changed := q.setDataLocked(compose(q.state.Data), time.Now())
	q.state.FailureCount = 0
	q.state.IsFetching = false
	q.state.FetchMeta = nil
	data := q.state.Data
	q.notifyLocked(Event{Type: EventSuccess, DataChanged: changed})
	q.mu.Unlock()

	q.client.metrics.FetchSettled("success")
	return data, true
}

func (q *Query) applyFailed(gen uint64, failures int, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flight == nil || q.flight.gen != gen {
		return false
	}
	q.state.FailureCount = failures
	q.notifyLocked(Event{Type: EventFailed})
	return true
}

func (q *Query) applyError(gen uint64, failures int, err error) bool {
	q.mu.Lock()
	if q.flight == nil || q.flight.gen != gen {
		q.mu.Unlock()
		return false
	}
	q.flight = nil
	q.client.flights.Forget(q.hash)

	q.state.Error = err
	q.state.ErrorAt = time.Now()
	q.state.FailureCount = failures
	q.state.IsFetching = false
	q.state.FetchMeta = nil
	q.state.Status = StatusError
	q.notifyLocked(Event{Type: EventError})
	q.mu.Unlock()

	q.client.metrics.FetchSettled("error")
	q.client.logger.Debug().Err(err).Str("key", q.hash).Int("failureCount", failures).Msg("fetch failed")
	return true
}

func settledResult(err error) <-chan singleflight.Result {
	ch := make(chan singleflight.Result, 1)
	ch <- singleflight.Result{Err: err}
	return ch
}
