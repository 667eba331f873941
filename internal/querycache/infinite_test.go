package querycache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamquery/internal/querykey"
)

// pager serves page p*10 for cursor p and 1 for the nil cursor
type pager struct {
	mu     sync.Mutex
	params []any
}

func (p *pager) fn(ctx context.Context, qc QueryContext) (any, error) {
	p.mu.Lock()
	p.params = append(p.params, qc.PageParam)
	p.mu.Unlock()

	if qc.PageParam == nil {
		return 1, nil
	}
	return qc.PageParam.(int) * 10, nil
}

func (p *pager) calls() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.params...)
}

func pagerOptions() *InfiniteOptions {
	return &InfiniteOptions{
		GetNextPageParam: func(last any, pages []any) (any, bool) {
			if len(pages) >= 3 {
				return nil, false
			}
			return len(pages), true
		},
		GetPreviousPageParam: func(first any, pages []any) (any, bool) {
			if first.(int) < 0 {
				return nil, false
			}
			return -1, true
		},
	}
}

func waitForPages(t *testing.T, o *Observer, n int) InfiniteData {
	t.Helper()
	require.Eventually(t, func() bool {
		d, ok := o.State().Data.(InfiniteData)
		return ok && len(d.Pages) == n
	}, waitFor, tick)
	return o.State().Data.(InfiniteData)
}

func TestInfinite_FirstPageUsesNilCursor(t *testing.T) {
	c := newTestClient(t, Config{})
	p := &pager{}

	o := c.Observe(ObserverOptions{Key: querykey.New("feed"), Fn: p.fn, Infinite: pagerOptions()})
	defer o.Close()

	d := waitForPages(t, o, 1)
	assert.Equal(t, []any{1}, d.Pages)
	assert.Equal(t, []any{nil}, d.PageParams)
	assert.True(t, o.HasNextPage())
}

func TestInfinite_FetchNextPageAppends(t *testing.T) {
	c := newTestClient(t, Config{})
	p := &pager{}

	o := c.Observe(ObserverOptions{Key: querykey.New("feed"), Fn: p.fn, Infinite: pagerOptions()})
	defer o.Close()
	waitForPages(t, o, 1)

	st, err := o.FetchNextPage(context.Background())
	require.NoError(t, err)
	d := st.Data.(InfiniteData)
	assert.Equal(t, []any{1, 10}, d.Pages)
	assert.Equal(t, []any{nil, 1}, d.PageParams)

	_, err = o.FetchNextPage(context.Background())
	require.NoError(t, err)
	assert.False(t, o.HasNextPage())

	before := len(p.calls())
	st, err = o.FetchNextPage(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.calls(), before, "no fetch without a next cursor")
	assert.Equal(t, []any{1, 10, 20}, st.Data.(InfiniteData).Pages)
}

func TestInfinite_FetchPreviousPagePrepends(t *testing.T) {
	c := newTestClient(t, Config{})
	p := &pager{}

	o := c.Observe(ObserverOptions{Key: querykey.New("feed"), Fn: p.fn, Infinite: pagerOptions()})
	defer o.Close()
	waitForPages(t, o, 1)

	require.True(t, o.HasPreviousPage())
	st, err := o.FetchPreviousPage(context.Background())
	require.NoError(t, err)

	d := st.Data.(InfiniteData)
	assert.Equal(t, []any{-10, 1}, d.Pages)
	assert.Equal(t, []any{-1, nil}, d.PageParams)
	assert.False(t, o.HasPreviousPage())
}

func TestInfinite_RefetchUsesStoredCursors(t *testing.T) {
	c := newTestClient(t, Config{})
	p := &pager{}

	o := c.Observe(ObserverOptions{Key: querykey.New("feed"), Fn: p.fn, Infinite: pagerOptions()})
	defer o.Close()
	waitForPages(t, o, 1)
	_, err := o.FetchNextPage(context.Background())
	require.NoError(t, err)

	st, err := o.Refetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []any{nil, 1, nil, 1}, p.calls())
	assert.Equal(t, []any{1, 10}, st.Data.(InfiniteData).Pages)
}

func TestInfinite_KnownCursorReplacesInPlace(t *testing.T) {
	c := newTestClient(t, Config{})
	p := &pager{}
	key := querykey.New("feed")

	c.SetQueryData(key, replace(InfiniteData{Pages: []any{"a", "b"}, PageParams: []any{nil, 1}}))
	q := c.find(key)

	ch := q.fetch(fetchRequest{
		fn:       p.fn,
		infinite: pagerOptions(),
		meta:     &FetchMeta{Direction: DirectionForward, PageParam: 1},
	})
	require.NoError(t, (<-ch).Err)

	d := q.State().Data.(InfiniteData)
	assert.Equal(t, []any{"a", 10}, d.Pages)
	assert.Equal(t, []any{nil, 1}, d.PageParams)
}

func TestInfiniteData_IndexOf(t *testing.T) {
	d := InfiniteData{Pages: []any{1, 2, 3}, PageParams: []any{nil, 1, map[string]any{"after": "x"}}}

	assert.Equal(t, 0, d.IndexOf(nil))
	assert.Equal(t, 1, d.IndexOf(1))
	assert.Equal(t, 2, d.IndexOf(map[string]any{"after": "x"}))
	assert.Equal(t, -1, d.IndexOf(7))
}
