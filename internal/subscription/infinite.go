package subscription

import (
	"context"
	"sync"

	"streamquery/internal/bridge"
	"streamquery/internal/querycache"
	"streamquery/internal/querykey"
)

// Pages is the cached value of a paginated subscription. Pages[i] is the
// latest value of the stream opened with cursor PageParams[i].
type Pages[T any] struct {
	Pages      []T
	PageParams []any
}

// InfiniteOptions configures a paginated subscription
type InfiniteOptions[T any] struct {
	Disabled            bool
	Retry               querycache.RetryPolicy
	RetryDelay          querycache.RetryDelayFunc
	DisableRetryOnMount bool

	// GetNextPageParam returns the cursor after lastPage, or false when there is none
	GetNextPageParam func(lastPage T, pages []T) (any, bool)
	// GetPreviousPageParam returns the cursor before firstPage, or false when there is none
	GetPreviousPageParam func(firstPage T, pages []T) (any, bool)

	Select          func(Pages[T]) Pages[T]
	PlaceholderData func() Pages[T]
	OnData          func(Pages[T])
	OnError         func(error)
}

// InfiniteResult is a snapshot of a paginated subscription
type InfiniteResult[T any] struct {
	Result[Pages[T]]
	HasNextPage            bool
	HasPreviousPage        bool
	IsFetchingNextPage     bool
	IsFetchingPreviousPage bool
}

// InfiniteSubscription keeps one live stream per page of a key
type InfiniteSubscription[T any] struct {
	client   *querycache.Client
	key      querykey.Key
	fn       *bridge.QueryFn[T]
	observer *querycache.Observer
	opts     InfiniteOptions[T]

	closeOnce sync.Once
}

// SubscribeInfinite attaches a paginated consumer to key. The first page is
// opened with a nil cursor; FetchNextPage and FetchPreviousPage open further
// pages, each with its own stream that updates its page in place.
func SubscribeInfinite[T any](client *querycache.Client, key querykey.Key, factory bridge.Factory[T], opts InfiniteOptions[T]) *InfiniteSubscription[T] {
	s := &InfiniteSubscription[T]{
		client: client,
		key:    key,
		opts:   opts,
	}
	s.fn = bridge.New(client, factory, MergePage[T])
	s.observer = client.Observe(querycache.ObserverOptions{
		Key:                 key,
		Fn:                  s.fn.Fetch,
		Disabled:            opts.Disabled,
		Retry:               opts.Retry,
		RetryDelay:          opts.RetryDelay,
		DisableRetryOnMount: opts.DisableRetryOnMount,
		Infinite:            s.infiniteOptions(),
		Listener:            s.onChange,
	})
	return s
}

// MergePage writes a later emission of the stream opened with pageParam into
// the page fetched with that cursor. Without paginated data it seeds a single
// page; an unknown cursor leaves the pages untouched.
func MergePage[T any](data T, previous any, pageParam any) any {
	prev, ok := previous.(querycache.InfiniteData)
	if !ok {
		return querycache.InfiniteData{Pages: []any{data}, PageParams: []any{pageParam}}
	}

	i := prev.IndexOf(pageParam)
	if i < 0 {
		return prev
	}

	next := querycache.InfiniteData{
		Pages:      append([]any(nil), prev.Pages...),
		PageParams: append([]any(nil), prev.PageParams...),
	}
	next.Pages[i] = data
	return next
}

func (s *InfiniteSubscription[T]) infiniteOptions() *querycache.InfiniteOptions {
	inf := &querycache.InfiniteOptions{}
	if s.opts.GetNextPageParam != nil {
		inf.GetNextPageParam = func(last any, pages []any) (any, bool) {
			typed, ok := typedPages[T](pages)
			if !ok {
				return nil, false
			}
			return s.opts.GetNextPageParam(typed[len(typed)-1], typed)
		}
	}
	if s.opts.GetPreviousPageParam != nil {
		inf.GetPreviousPageParam = func(first any, pages []any) (any, bool) {
			typed, ok := typedPages[T](pages)
			if !ok {
				return nil, false
			}
			return s.opts.GetPreviousPageParam(typed[0], typed)
		}
	}
	return inf
}

func typedPages[T any](pages []any) ([]T, bool) {
	if len(pages) == 0 {
		return nil, false
	}
	out := make([]T, len(pages))
	for i, p := range pages {
		v, ok := p.(T)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// asPages converts cached paginated data into typed pages
func asPages[T any](v any) (Pages[T], bool) {
	d, ok := v.(querycache.InfiniteData)
	if !ok {
		return Pages[T]{}, false
	}
	pages := make([]T, len(d.Pages))
	for i, p := range d.Pages {
		page, ok := p.(T)
		if !ok {
			return Pages[T]{}, false
		}
		pages[i] = page
	}
	return Pages[T]{Pages: pages, PageParams: append([]any(nil), d.PageParams...)}, true
}

func (s *InfiniteSubscription[T]) onChange(st querycache.State, ev querycache.Event) {
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
		r := resolve(st, asPages[T], s.opts.Select, nil)
		if r.HasData {
			s.opts.OnData(r.Data)
		}
	}
}

// Key returns the subscription key
func (s *InfiniteSubscription[T]) Key() querykey.Key {
	return s.key
}

// Result returns the current state of the subscription
func (s *InfiniteSubscription[T]) Result() InfiniteResult[T] {
	st := s.observer.State()
	r := InfiniteResult[T]{
		Result:          resolve(st, asPages[T], s.opts.Select, s.opts.PlaceholderData),
		HasNextPage:     s.observer.HasNextPage(),
		HasPreviousPage: s.observer.HasPreviousPage(),
	}
	if st.IsFetching && st.FetchMeta != nil {
		r.IsFetchingNextPage = st.FetchMeta.Direction == querycache.DirectionForward
		r.IsFetchingPreviousPage = st.FetchMeta.Direction == querycache.DirectionBackward
	}
	return r
}

// FetchNextPage opens the stream for the next page and waits for its first
// value. It does nothing when there is no next cursor.
func (s *InfiniteSubscription[T]) FetchNextPage(ctx context.Context) (InfiniteResult[T], error) {
	_, err := s.observer.FetchNextPage(ctx)
	return s.Result(), err
}

// FetchPreviousPage opens the stream for the previous page and waits for its
// first value. It does nothing when there is no previous cursor.
func (s *InfiniteSubscription[T]) FetchPreviousPage(ctx context.Context) (InfiniteResult[T], error) {
	_, err := s.observer.FetchPreviousPage(ctx)
	return s.Result(), err
}

// Refetch reopens the stream of every page with its stored cursor
func (s *InfiniteSubscription[T]) Refetch(ctx context.Context) (InfiniteResult[T], error) {
	_, err := s.observer.Refetch(ctx)
	return s.Result(), err
}

// SetDisabled toggles automatic fetching
func (s *InfiniteSubscription[T]) SetDisabled(disabled bool) {
	s.observer.SetDisabled(disabled)
}

// DropPage ends the mount of the page fetched with cursor: the page is
// removed and its stream closed, while sibling pages keep theirs. Dropping the
// last live page tears down the whole key.
func (s *InfiniteSubscription[T]) DropPage(cursor any) {
	s.client.SetQueryData(s.key, func(prev any) (any, bool) {
		d, ok := prev.(querycache.InfiniteData)
		if !ok {
			return nil, false
		}
		i := d.IndexOf(cursor)
		if i < 0 {
			return nil, false
		}
		return querycache.InfiniteData{
			Pages:      append(append([]any(nil), d.Pages[:i]...), d.Pages[i+1:]...),
			PageParams: append(append([]any(nil), d.PageParams[:i]...), d.PageParams[i+1:]...),
		}, true
	})

	hash := s.key.Hash()
	registry := s.client.Subscriptions()
	slot := bridge.Slot(cursor)
	if slots := registry.Slots(hash); len(slots) == 1 && slots[0] == slot {
		registry.Cleanup(hash)
		return
	}
	registry.CleanupSlot(hash, slot)
}

// Close detaches the consumer. Every page stream is torn down once no
// consumer of the key is left.
func (s *InfiniteSubscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.observer.Close()
		if s.client.ObserverCount(s.key) == 0 {
			s.client.Subscriptions().Cleanup(s.key.Hash())
		}
	})
}
