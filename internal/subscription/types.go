package subscription

import (
	"time"

	"streamquery/internal/querycache"
)

// Options configures a single-value subscription
type Options[T any] struct {
	// Disabled keeps the subscription from opening its stream until enabled
	Disabled bool
	// Retry applies to subscribe-time failures; nil means no retries
	Retry      querycache.RetryPolicy
	RetryDelay querycache.RetryDelayFunc
	// DisableRetryOnMount keeps a failed subscription from resubscribing when
	// a new consumer attaches
	DisableRetryOnMount bool

	// Select transforms the cached value before it is returned
	Select func(T) T
	// PlaceholderData is shown, with a success status, while the first value is pending
	PlaceholderData func() T

	// OnData is called once for every new value written to the cache
	OnData func(T)
	// OnError is called once for every failed fetch
	OnError func(error)
}

// Result is a snapshot of a subscription
type Result[T any] struct {
	Data              T
	HasData           bool
	DataUpdatedAt     time.Time
	Status            querycache.Status
	Error             error
	FailureCount      int
	IsFetching        bool
	IsPlaceholderData bool
}

func (r Result[T]) IsIdle() bool    { return r.Status == querycache.StatusIdle }
func (r Result[T]) IsLoading() bool { return r.Status == querycache.StatusLoading }
func (r Result[T]) IsSuccess() bool { return r.Status == querycache.StatusSuccess }
func (r Result[T]) IsError() bool   { return r.Status == querycache.StatusError }

// resolve converts cached state into a typed result
func resolve[C any](st querycache.State, convert func(any) (C, bool), selectFn func(C) C, placeholder func() C) Result[C] {
	r := Result[C]{
		DataUpdatedAt: st.DataUpdatedAt,
		Status:        st.Status,
		Error:         st.Error,
		FailureCount:  st.FailureCount,
		IsFetching:    st.IsFetching,
	}

	if st.HasData {
		if v, ok := convert(st.Data); ok {
			r.Data = v
			r.HasData = true
		}
	}

	if !r.HasData && st.Status == querycache.StatusLoading && placeholder != nil {
		r.Data = placeholder()
		r.HasData = true
		r.IsPlaceholderData = true
		r.Status = querycache.StatusSuccess
	}

	if r.HasData && selectFn != nil {
		r.Data = selectFn(r.Data)
	}
	return r
}

// as asserts a cached value to T
func as[T any](v any) (T, bool) {
	t, ok := v.(T)
	return t, ok
}
