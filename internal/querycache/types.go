package querycache

import (
	"context"
	"errors"
	"time"

	"streamquery/internal/querykey"
)

var (
	// ErrClientClosed is returned by fetches started on a closed client
	ErrClientClosed = errors.New("query client closed")
	// ErrFetchCancelled is returned to callers waiting on a fetch that was cancelled
	ErrFetchCancelled = errors.New("fetch cancelled")
	// ErrNoQueryFunc is returned when a fetch has no function to run
	ErrNoQueryFunc = errors.New("missing query function")
)

// Status is the lifecycle status of a query
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FetchDirection tells an infinite query which end of its pages to extend
type FetchDirection string

const (
	DirectionNone     FetchDirection = ""
	DirectionForward  FetchDirection = "forward"
	DirectionBackward FetchDirection = "backward"
)

// FetchMeta describes the fetch currently in flight
type FetchMeta struct {
	Direction FetchDirection
	PageParam any
}

// State is a snapshot of a query
type State struct {
	Data          any
	HasData       bool
	DataVersion   uint64
	DataUpdatedAt time.Time
	Error         error
	ErrorAt       time.Time
	FailureCount  int
	Status        Status
	IsFetching    bool
	IsInvalidated bool
	FetchMeta     *FetchMeta
}

// InfiniteData is the cached value of a paginated query. Pages[i] was fetched
// with PageParams[i].
type InfiniteData struct {
	Pages      []any
	PageParams []any
}

// IndexOf returns the position of the page fetched with cursor, or -1
func (d InfiniteData) IndexOf(cursor any) int {
	for i, p := range d.PageParams {
		if querykey.Equal(p, cursor) {
			return i
		}
	}
	return -1
}

// QueryContext is passed to a QueryFunc for each attempt
type QueryContext struct {
	Key       querykey.Key
	Hash      string
	PageParam any
	Direction FetchDirection

	settled <-chan struct{}
}

// Settled is closed once the outcome of this attempt has been recorded in the
// cache. Writers that must not race the attempt's own result wait on it.
func (qc QueryContext) Settled() <-chan struct{} {
	if qc.settled == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return qc.settled
}

// QueryFunc produces the value of a query. For infinite queries it produces a
// single page for qc.PageParam.
type QueryFunc func(ctx context.Context, qc QueryContext) (any, error)

// RetryPolicy decides whether a failed attempt is retried. failureCount
// includes the failure being decided on.
type RetryPolicy func(failureCount int, err error) bool

// RetryCount retries up to n times after the first failure
func RetryCount(n int) RetryPolicy {
	return func(failureCount int, err error) bool {
		return failureCount <= n
	}
}

// RetryDelayFunc returns the wait before the next attempt
type RetryDelayFunc func(failureCount int, err error) time.Duration

// Updater derives new data from the cached data. Returning ok=false leaves the
// cache untouched.
type Updater func(prev any) (next any, ok bool)

// SetOption tunes SetQueryData
type SetOption func(*setOptions)

type setOptions struct {
	updatedAt    time.Time
	hasUpdatedAt bool
}

// UpdatedAt records the update with the given timestamp. A zero time marks
// the data as never fetched, which makes it stale for the next mount or
// invalidation.
func UpdatedAt(t time.Time) SetOption {
	return func(o *setOptions) {
		o.updatedAt = t
		o.hasUpdatedAt = true
	}
}

// InvalidateOptions tunes InvalidateQueries
type InvalidateOptions struct {
	// Exact limits invalidation to the key itself instead of every key it prefixes
	Exact bool
	// CancelRefetch cancels an in-flight fetch instead of joining it
	CancelRefetch bool
}

// InfiniteOptions turns an observer into a paginated one
type InfiniteOptions struct {
	GetNextPageParam     func(lastPage any, pages []any) (any, bool)
	GetPreviousPageParam func(firstPage any, pages []any) (any, bool)
}

// EventType names the action that produced an observer notification
type EventType string

const (
	EventFetch      EventType = "fetch"
	EventSuccess    EventType = "success"
	EventFailed     EventType = "failed"
	EventError      EventType = "error"
	EventInvalidate EventType = "invalidate"
	EventCancel     EventType = "cancel"
)

// Event is delivered to observer listeners after every state change
type Event struct {
	Type        EventType
	DataChanged bool
}
