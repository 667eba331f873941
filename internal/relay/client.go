package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"streamquery/internal/jsonrpc"
	"streamquery/internal/subscription"
)

const (
	pongWaitFactor = 2
	maxMessageSize = 1024 * 1024 // 1MB
	sendBuffer     = 256
)

// feedSubscription is one client subscription to a feed key
type feedSubscription struct {
	id   string
	feed string
	sub  *subscription.Subscription[json.RawMessage]

	mu      sync.Mutex
	ready   bool
	pending []Event
}

// Client represents a relay WebSocket connection
type Client struct {
	conn    *websocket.Conn
	service *Service
	logger  zerolog.Logger

	subs   map[string]*feedSubscription
	subsMu sync.Mutex

	sendChan  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new relay client
func NewClient(conn *websocket.Conn, service *Service, logger zerolog.Logger) *Client {
	return &Client{
		conn:      conn,
		service:   service,
		logger:    logger,
		subs:      make(map[string]*feedSubscription),
		sendChan:  make(chan []byte, sendBuffer),
		closeChan: make(chan struct{}),
	}
}

// Run starts the client read and write loops and blocks until the
// connection is gone
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pongWait := pongWaitFactor * c.service.cfg.GetPingIntervalDuration()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.service.metrics.ClientConnected()
	defer c.service.metrics.ClientDisconnected()

	go c.writePump(ctx)

	c.readPump(ctx)
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		c.handleMessage(ctx, data)
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(ctx context.Context) {
	writeWait := c.service.cfg.GetWriteTimeoutDuration()
	ticker := time.NewTicker(c.service.cfg.GetPingIntervalDuration())
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	requests, err := jsonrpc.DecodeRequests(data)
	if err != nil {
		rpcErr := jsonrpc.ErrParse
		errors.As(err, &rpcErr)
		c.reply(jsonrpc.Failure(jsonrpc.NullID(), rpcErr))
		return
	}

	for _, req := range requests {
		if req.Method == jsonrpc.MethodRefetch {
			// refetch waits for the first value, keep reading meanwhile
			go c.dispatch(ctx, req)
			continue
		}
		c.dispatch(ctx, req)
	}
}

// dispatch runs one request and replies to it
func (c *Client) dispatch(ctx context.Context, req *jsonrpc.Request) {
	result, rpcErr := c.call(ctx, req)
	if rpcErr != nil {
		c.reply(jsonrpc.Failure(req.ID, rpcErr))
		return
	}
	resp, err := jsonrpc.Success(req.ID, result)
	if err != nil {
		c.logger.Error().Err(err).Str("method", req.Method).Msg("failed to encode result")
		c.reply(jsonrpc.Failure(req.ID, jsonrpc.Errorf(jsonrpc.CodeInternalError, "failed to encode result")))
		return
	}
	c.reply(resp)

	if req.Method == jsonrpc.MethodSubscribe {
		c.activate(result.(string))
	}
}

func (c *Client) call(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	if rpcErr := req.Validate(); rpcErr != nil {
		return nil, rpcErr
	}

	switch req.Method {
	case jsonrpc.MethodSubscribe:
		feed, params, rpcErr := req.FeedParams()
		if rpcErr != nil {
			return nil, rpcErr
		}
		return c.subscribe(feed, params)

	case jsonrpc.MethodUnsubscribe:
		subID, rpcErr := req.SubscriptionID()
		if rpcErr != nil {
			return nil, rpcErr
		}
		ok := c.unsubscribe(subID)
		c.logger.Debug().Str("subID", subID).Bool("success", ok).Msg("unsubscribe requested")
		return ok, nil

	case jsonrpc.MethodGet:
		feed, params, rpcErr := req.FeedParams()
		if rpcErr != nil {
			return nil, rpcErr
		}
		snap, err := c.service.Get(feed, params)
		if err != nil {
			return nil, feedError(feed, err)
		}
		return snap, nil

	case jsonrpc.MethodInvalidate:
		feed, params, rpcErr := req.FeedParams()
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := c.service.Invalidate(feed, params); err != nil {
			return nil, feedError(feed, err)
		}
		return true, nil

	case jsonrpc.MethodRefetch:
		subID, rpcErr := req.SubscriptionID()
		if rpcErr != nil {
			return nil, rpcErr
		}
		return c.refetch(ctx, subID)
	}

	return nil, jsonrpc.ErrMethodNotFound
}

// subscribe attaches a new consumer to the key of feed with params
func (c *Client) subscribe(feed string, params map[string]any) (string, *jsonrpc.Error) {
	limit := c.service.cfg.MaxSubscriptionsPerClient
	if limit > 0 && c.SubscriptionCount() >= limit {
		return "", jsonrpc.Errorf(jsonrpc.CodeSubscriptionLimit, "subscription limit of %d reached", limit)
	}

	key, err := c.service.feeds.Key(feed, params)
	if err != nil {
		return "", feedError(feed, err)
	}
	factory, err := c.service.feeds.Factory(feed, params)
	if err != nil {
		return "", feedError(feed, err)
	}

	fs := &feedSubscription{id: uuid.NewString(), feed: feed}
	opts := c.service.subscriptionOptions()
	opts.OnData = func(data json.RawMessage) {
		c.deliver(fs, Event{Type: EventData, Data: data})
	}
	opts.OnError = func(err error) {
		c.deliver(fs, Event{Type: EventError, Error: err.Error()})
	}
	fs.sub = subscription.Subscribe(c.service.cache, key, factory, opts)

	c.subsMu.Lock()
	c.subs[fs.id] = fs
	c.subsMu.Unlock()
	c.service.metrics.RelaySubscribed()

	c.logger.Debug().
		Str("subID", fs.id).
		Str("feed", feed).
		Str("key", key.String()).
		Msg("subscription created")
	return fs.id, nil
}

// deliver forwards ev once the subscription id has been sent to the client
func (c *Client) deliver(fs *feedSubscription, ev Event) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.ready {
		fs.pending = append(fs.pending, ev)
		return
	}
	c.notify(fs.id, ev)
}

// activate flushes events queued before the subscribe response. A key that
// already holds data gets it pushed right away.
func (c *Client) activate(subID string) {
	fs := c.lookup(subID)
	if fs == nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.ready = true
	if len(fs.pending) == 0 {
		if r := fs.sub.Result(); r.HasData {
			c.notify(fs.id, Event{Type: EventData, Data: r.Data})
		}
		return
	}
	for _, ev := range fs.pending {
		c.notify(fs.id, ev)
	}
	fs.pending = nil
}

func (c *Client) lookup(subID string) *feedSubscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs[subID]
}

func (c *Client) unsubscribe(subID string) bool {
	c.subsMu.Lock()
	fs, ok := c.subs[subID]
	delete(c.subs, subID)
	c.subsMu.Unlock()

	if !ok {
		return false
	}
	fs.sub.Close()
	c.service.metrics.RelayUnsubscribed()
	return true
}

// refetch reopens the stream of a subscription and returns the fresh state
func (c *Client) refetch(ctx context.Context, subID string) (Snapshot, *jsonrpc.Error) {
	fs := c.lookup(subID)
	if fs == nil {
		return Snapshot{}, jsonrpc.Errorf(jsonrpc.CodeUnknownSubscription, "unknown subscription").WithData(subID)
	}

	r, err := fs.sub.Refetch(ctx)
	if err != nil {
		return Snapshot{}, jsonrpc.Errorf(jsonrpc.CodeFetchFailed, "refetch failed: %v", err)
	}
	return snapshotOf(r.Status, r.Data, r.HasData, r.Error, r.DataUpdatedAt, r.FailureCount, r.IsFetching), nil
}

func feedError(feed string, err error) *jsonrpc.Error {
	if errors.Is(err, ErrUnknownFeed) {
		return jsonrpc.Errorf(jsonrpc.CodeUnknownFeed, "unknown feed").WithData(feed)
	}
	return jsonrpc.Errorf(jsonrpc.CodeInternalError, "%v", err)
}

// notify pushes a subscription event
func (c *Client) notify(subID string, ev Event) {
	n, err := jsonrpc.Notify(subID, ev)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to build notification")
		return
	}
	c.write(n)
}

// reply sends a response
func (c *Client) reply(resp *jsonrpc.Response) {
	c.write(resp)
}

func (c *Client) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal message")
		return
	}
	c.send(data)
}

// send sends data to the client
func (c *Client) send(data []byte) {
	select {
	case c.sendChan <- data:
	case <-c.closeChan:
	default:
		// Channel full, drop message
		c.logger.Warn().Msg("send channel full, dropping message")
	}
}

// SubscriptionCount returns the number of live subscriptions of the client
func (c *Client) SubscriptionCount() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

// Close closes the client connection and every subscription it holds
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)

		c.subsMu.Lock()
		ids := make([]string, 0, len(c.subs))
		for id := range c.subs {
			ids = append(ids, id)
		}
		c.subsMu.Unlock()
		for _, id := range ids {
			c.unsubscribe(id)
		}

		c.conn.Close()
		c.logger.Debug().Msg("client closed")
	})
}
