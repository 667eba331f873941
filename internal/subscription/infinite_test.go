package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamquery/internal/querycache"
)

func pagesAre(s *InfiniteSubscription[int], pages []int, params []any) func() bool {
	return func() bool {
		r := s.Result()
		return r.HasData && assert.ObjectsAreEqual(pages, r.Data.Pages) && assert.ObjectsAreEqual(params, r.Data.PageParams)
	}
}

type pageParamCall struct {
	last  int
	pages []int
}

func TestSubscribeInfinite_Pages(t *testing.T) {
	c := newClient(t)
	f := &feed{}

	var mu sync.Mutex
	var calls []pageParamCall
	s := SubscribeInfinite(c, testKey, f.factory, InfiniteOptions[int]{
		GetNextPageParam: func(last int, pages []int) (any, bool) {
			mu.Lock()
			calls = append(calls, pageParamCall{last: last, pages: append([]int(nil), pages...)})
			mu.Unlock()
			if last > 10 {
				return nil, false
			}
			return last, true
		},
	})
	defer s.Close()

	f.nextPage(t, nil, 1)
	require.Eventually(t, pagesAre(s, []int{1}, []any{nil}), waitFor, tick)

	r := s.Result()
	assert.True(t, r.HasNextPage)
	assert.False(t, r.HasPreviousPage)
	mu.Lock()
	require.NotEmpty(t, calls)
	assert.Equal(t, pageParamCall{last: 1, pages: []int{1}}, calls[0])
	mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.FetchNextPage(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return s.Result().IsFetchingNextPage }, waitFor, tick)
	f.nextPage(t, 1, 12)
	require.NoError(t, <-done)

	require.Eventually(t, pagesAre(s, []int{1, 12}, []any{nil, 1}), waitFor, tick)
	assert.False(t, s.Result().IsFetchingNextPage)
	assert.Equal(t, int32(2), f.calls.Load())

	// Each page keeps updating in place
	f.nextPage(t, nil, 2)
	require.Eventually(t, pagesAre(s, []int{2, 12}, []any{nil, 1}), waitFor, tick)
	f.nextPage(t, 1, 13)
	require.Eventually(t, pagesAre(s, []int{2, 13}, []any{nil, 1}), waitFor, tick)

	// No next cursor, no fetch
	assert.False(t, s.Result().HasNextPage)
	_, err := s.FetchNextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, []string{"", "1"}, c.Subscriptions().Slots(testKey.Hash()))
}

func TestSubscribeInfinite_PreviousPage(t *testing.T) {
	c := newClient(t)
	f := &feed{}

	s := SubscribeInfinite(c, testKey, f.factory, InfiniteOptions[int]{
		GetPreviousPageParam: func(first int, pages []int) (any, bool) {
			if first < 0 {
				return nil, false
			}
			return "before", true
		},
	})
	defer s.Close()

	f.nextPage(t, nil, 1)
	require.Eventually(t, pagesAre(s, []int{1}, []any{nil}), waitFor, tick)
	assert.True(t, s.Result().HasPreviousPage)

	done := make(chan error, 1)
	go func() {
		_, err := s.FetchPreviousPage(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return s.Result().IsFetchingPreviousPage }, waitFor, tick)
	f.nextPage(t, "before", -1)
	require.NoError(t, <-done)

	require.Eventually(t, pagesAre(s, []int{-1, 1}, []any{"before", nil}), waitFor, tick)
	assert.False(t, s.Result().HasPreviousPage)
}

func TestSubscribeInfinite_DropPage(t *testing.T) {
	c := newClient(t)
	f := &feed{}

	s := SubscribeInfinite(c, testKey, f.factory, InfiniteOptions[int]{
		GetNextPageParam: func(last int, pages []int) (any, bool) {
			return len(pages), len(pages) < 2
		},
	})
	defer s.Close()

	f.nextPage(t, nil, 1)
	require.Eventually(t, pagesAre(s, []int{1}, []any{nil}), waitFor, tick)
	done := make(chan error, 1)
	go func() {
		_, err := s.FetchNextPage(context.Background())
		done <- err
	}()
	f.nextPage(t, 1, 10)
	require.NoError(t, <-done)
	require.Eventually(t, pagesAre(s, []int{1, 10}, []any{nil, 1}), waitFor, tick)

	s.DropPage(1)

	require.Eventually(t, pagesAre(s, []int{1}, []any{nil}), waitFor, tick)
	assert.NotContains(t, c.Subscriptions().Slots(testKey.Hash()), "1")
}

func TestSubscribeInfinite_CloseTearsDownEveryPage(t *testing.T) {
	c := newClient(t)
	f := &feed{}

	s := SubscribeInfinite(c, testKey, f.factory, InfiniteOptions[int]{
		GetNextPageParam: func(last int, pages []int) (any, bool) {
			return len(pages), true
		},
	})

	f.nextPage(t, nil, 1)
	require.Eventually(t, pagesAre(s, []int{1}, []any{nil}), waitFor, tick)
	done := make(chan error, 1)
	go func() {
		_, err := s.FetchNextPage(context.Background())
		done <- err
	}()
	f.nextPage(t, 1, 10)
	require.NoError(t, <-done)

	s.Close()

	require.Eventually(t, func() bool { return f.torndown.Load() == 2 }, waitFor, tick)
	assert.Equal(t, 0, c.Subscriptions().Len())
}

func TestMergePage(t *testing.T) {
	seeded := MergePage(5, nil, nil)
	assert.Equal(t, querycache.InfiniteData{Pages: []any{5}, PageParams: []any{nil}}, seeded)

	prev := querycache.InfiniteData{Pages: []any{1, 2, 3}, PageParams: []any{nil, "a", "b"}}
	merged := MergePage(20, prev, "a")
	assert.Equal(t, querycache.InfiniteData{Pages: []any{1, 20, 3}, PageParams: []any{nil, "a", "b"}}, merged)
	assert.Equal(t, []any{1, 2, 3}, prev.Pages, "previous value is not mutated")

	unknown := MergePage(9, prev, "z")
	assert.Equal(t, prev, unknown)
}
