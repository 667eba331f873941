package querycache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"streamquery/internal/metrics"
	"streamquery/internal/querykey"
	"streamquery/internal/subscriptionregistry"
)

// DefaultMaxInactiveQueries bounds the queries kept without observers
const DefaultMaxInactiveQueries = 1000

// Config configures a Client
type Config struct {
	// MaxInactiveQueries is the number of queries without observers kept in
	// memory. The least recently released is dropped first.
	MaxInactiveQueries int
}

// Client is an in-memory query cache. It owns the queries, their observers
// and the registry of live background stream subscriptions.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu       sync.Mutex
	queries  map[string]*Query
	inactive *lru.Cache[string, *Query]

	evictMu sync.Mutex
	evicted []*Query

	flights singleflight.Group
	notify  *notifier
	subs    *subscriptionregistry.Registry

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a query cache
func NewClient(cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.MaxInactiveQueries <= 0 {
		cfg.MaxInactiveQueries = DefaultMaxInactiveQueries
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ctx:     ctx,
		cancel:  cancel,
		queries: make(map[string]*Query),
		notify:  newNotifier(),
		subs:    subscriptionregistry.New(logger, m),
		logger:  logger.With().Str("component", "query-cache").Logger(),
		metrics: m,
	}

	inactive, err := lru.NewWithEvict[string, *Query](cfg.MaxInactiveQueries, c.onEvict)
	if err != nil {
		cancel()
		c.notify.close()
		return nil, fmt.Errorf("failed to create inactive query cache: %w", err)
	}
	c.inactive = inactive

	return c, nil
}

// Subscriptions returns the registry of live stream subscriptions
func (c *Client) Subscriptions() *subscriptionregistry.Registry {
	return c.subs
}

// Logger returns the client's logger
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// Metrics returns the client's metrics, possibly nil
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// buildLocked returns the query for key, creating it if needed; c.mu must be held
func (c *Client) buildLocked(key querykey.Key) (*Query, bool) {
	hash := key.Hash()
	if q, ok := c.queries[hash]; ok {
		return q, false
	}
	q := newQuery(c, key, hash)
	c.queries[hash] = q
	c.metrics.QueryAdded()
	return q, true
}

func (c *Client) find(key querykey.Key) *Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[key.Hash()]
}

func (c *Client) findAll(key querykey.Key, exact bool) []*Query {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exact {
		if q, ok := c.queries[key.Hash()]; ok {
			return []*Query{q}
		}
		return nil
	}

	var out []*Query
	for _, q := range c.queries {
		if q.key.HasPrefix(key) {
			out = append(out, q)
		}
	}
	return out
}

// GetQueryData returns the cached data for key
func (c *Client) GetQueryData(key querykey.Key) (any, bool) {
	q := c.find(key)
	if q == nil {
		return nil, false
	}
	st := q.State()
	return st.Data, st.HasData
}

// GetQueryState returns the state of the query for key
func (c *Client) GetQueryState(key querykey.Key) (State, bool) {
	q := c.find(key)
	if q == nil {
		return State{}, false
	}
	return q.State(), true
}

// SetQueryData writes data for key through updater, creating the query if it
// does not exist. It returns the resulting data and whether anything was written.
func (c *Client) SetQueryData(key querykey.Key, updater Updater, opts ...SetOption) (any, bool) {
	if c.closed.Load() {
		return nil, false
	}

	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	q, created := c.buildLocked(key)
	c.mu.Unlock()

	data, ok := q.setData(updater, o)
	if created {
		c.markInactive(q)
	}
	return data, ok
}

// InvalidateQueries marks every query matching key as stale and refetches
// those with an enabled observer. Refetches run in the background.
func (c *Client) InvalidateQueries(key querykey.Key, opts InvalidateOptions) {
	if c.closed.Load() {
		return
	}

	queries := c.findAll(key, opts.Exact)
	for _, q := range queries {
		q.invalidate()
	}
	for _, q := range queries {
		q.refetch(opts.CancelRefetch)
	}

	c.logger.Debug().Str("key", key.Hash()).Int("queries", len(queries)).Msg("invalidated queries")
}

// ObserverCount returns the number of observers attached to key
func (c *Client) ObserverCount(key querykey.Key) int {
	q := c.find(key)
	if q == nil {
		return 0
	}
	return q.ObserverCount()
}

// Len returns the number of cached queries
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

// Observe attaches a new observer to the query for opts.Key and starts the
// mount fetch when the query needs one
func (c *Client) Observe(opts ObserverOptions) *Observer {
	o := &Observer{id: uuid.NewString(), client: c, opts: opts}

	c.mu.Lock()
	q, _ := c.buildLocked(opts.Key)
	o.query = q
	q.mu.Lock()
	q.observers = append(q.observers, o)
	st := q.state
	q.mu.Unlock()
	c.inactive.Remove(q.hash)
	c.mu.Unlock()

	c.drainEvicted()

	c.logger.Debug().Str("key", q.hash).Str("observer", o.id).Msg("observer attached")

	if !c.closed.Load() && shouldFetchOnMount(st, opts) {
		q.fetch(o.request(nil, false))
	}
	return o
}

func (c *Client) removeObserver(q *Query, o *Observer) {
	q.mu.Lock()
	for i, obs := range q.observers {
		if obs == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			break
		}
	}
	if q.lastFetcher == o {
		q.lastFetcher = nil
	}
	remaining := len(q.observers)
	q.mu.Unlock()

	c.logger.Debug().Str("key", q.hash).Str("observer", o.id).Int("remaining", remaining).Msg("observer detached")

	if remaining == 0 {
		q.cancel(true)
		c.markInactive(q)
	}
}

// markInactive moves a query without observers into the bounded inactive set
func (c *Client) markInactive(q *Query) {
	c.mu.Lock()
	if c.queries[q.hash] == q && q.ObserverCount() == 0 {
		c.inactive.Add(q.hash, q)
	}
	c.mu.Unlock()

	c.drainEvicted()
}

// onEvict is called by the LRU for removed and evicted entries alike; the
// decision to drop the query is taken in drainEvicted
func (c *Client) onEvict(_ string, q *Query) {
	c.evictMu.Lock()
	c.evicted = append(c.evicted, q)
	c.evictMu.Unlock()
}

func (c *Client) drainEvicted() {
	c.evictMu.Lock()
	pending := c.evicted
	c.evicted = nil
	c.evictMu.Unlock()

	for _, q := range pending {
		c.mu.Lock()
		drop := c.queries[q.hash] == q && !c.inactive.Contains(q.hash) && q.ObserverCount() == 0
		if drop {
			delete(c.queries, q.hash)
		}
		c.mu.Unlock()

		if !drop {
			continue
		}
		q.cancel(false)
		c.subs.Cleanup(q.hash)
		c.metrics.QueryRemoved()
		c.logger.Debug().Str("key", q.hash).Msg("evicted inactive query")
	}
}

// Close cancels every fetch, tears down every live stream subscription and
// stops observer notifications. Queued notifications are delivered before it
// returns; called from inside a listener it does not wait for them.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.cancel()
	c.subs.Close()
	c.notify.close()

	c.mu.Lock()
	n := len(c.queries)
	c.mu.Unlock()
	c.logger.Info().Int("queries", n).Msg("query client closed")
}
