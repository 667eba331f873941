package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"streamquery/internal/querycache"
	"streamquery/internal/querykey"
	"streamquery/internal/stream"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type item struct {
	value    int
	err      error
	complete bool
}

type opened struct {
	param any
	ch    chan item
}

// feed is a stream factory whose streams are driven by the test. Streams are
// recorded with the cursor they were opened for.
type feed struct {
	mu     sync.Mutex
	opened []opened

	calls      atomic.Int32
	torndown   atomic.Int32
	factoryErr error
}

func (f *feed) factory(ctx context.Context, qc querycache.QueryContext) (stream.Stream[int], error) {
	if f.factoryErr != nil {
		f.calls.Add(1)
		return nil, f.factoryErr
	}

	ch := make(chan item, 16)
	f.mu.Lock()
	f.opened = append(f.opened, opened{param: qc.PageParam, ch: ch})
	f.mu.Unlock()
	f.calls.Add(1)

	return stream.New(func(ctx context.Context, emit func(int) bool) error {
		defer f.torndown.Add(1)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case it := <-ch:
				switch {
				case it.err != nil:
					return it.err
				case it.complete:
					return nil
				case !emit(it.value):
					return nil
				}
			}
		}
	}), nil
}

// stream returns the most recent stream opened for param
func (f *feed) stream(t *testing.T, param any) chan item {
	t.Helper()
	var ch chan item
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := len(f.opened) - 1; i >= 0; i-- {
			if querykey.Equal(f.opened[i].param, param) {
				ch = f.opened[i].ch
				return true
			}
		}
		return false
	}, waitFor, tick)
	return ch
}

func (f *feed) next(t *testing.T, v int) {
	f.stream(t, nil) <- item{value: v}
}

func (f *feed) nextPage(t *testing.T, param any, v int) {
	f.stream(t, param) <- item{value: v}
}

func (f *feed) fail(t *testing.T, err error) {
	f.stream(t, nil) <- item{err: err}
}

func newClient(t *testing.T) *querycache.Client {
	t.Helper()
	c, err := querycache.NewClient(querycache.Config{}, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

var testKey = querykey.New("test-subscription")
