// Package relay serves configured upstream feeds to WebSocket clients over
// JSON-RPC. Clients asking for the same feed with the same params share one
// cached value and one upstream stream.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"streamquery/internal/config"
	"streamquery/internal/metrics"
	"streamquery/internal/querycache"
	"streamquery/internal/subscription"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Service owns the state shared by all relay clients
type Service struct {
	cache   *querycache.Client
	feeds   *Feeds
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
}

// NewService creates a relay service on top of cache
func NewService(cache *querycache.Client, feeds *Feeds, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		cache:   cache,
		feeds:   feeds,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "relay").Logger(),
		clients: make(map[*Client]struct{}),
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	s.logger.Info().
		Str("remoteAddr", r.RemoteAddr).
		Msg("new WebSocket connection")

	client := NewClient(conn, s, s.logger.With().Str("remoteAddr", r.RemoteAddr).Logger())
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	client.Run(r.Context())

	s.clientsMu.Lock()
	delete(s.clients, client)
	s.clientsMu.Unlock()
}

// ClientCount returns the number of connected clients
func (s *Service) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// CloseAll disconnects every client, releasing their subscriptions
func (s *Service) CloseAll() {
	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	s.logger.Info().Int("clients", len(clients)).Msg("closed client sessions")
}

// subscriptionOptions builds the hook options from the retry settings
func (s *Service) subscriptionOptions() subscription.Options[json.RawMessage] {
	opts := subscription.Options[json.RawMessage]{
		Retry: querycache.RetryCount(s.cfg.RetryCount),
	}
	if d := s.cfg.GetRetryDelayDuration(); d > 0 {
		opts.RetryDelay = querycache.FixedRetryDelay(d)
	}
	return opts
}

// Get returns the cached state of feed with params without subscribing
func (s *Service) Get(feed string, params map[string]any) (Snapshot, error) {
	key, err := s.feeds.Key(feed, params)
	if err != nil {
		return Snapshot{}, err
	}
	st, ok := s.cache.GetQueryState(key)
	if !ok {
		return Snapshot{Status: querycache.StatusIdle}, nil
	}
	data, _ := st.Data.(json.RawMessage)
	return snapshotOf(st.Status, data, st.HasData, st.Error, st.DataUpdatedAt, st.FailureCount, st.IsFetching), nil
}

// Invalidate marks feed with params stale, reopening its stream when clients
// are subscribed
func (s *Service) Invalidate(feed string, params map[string]any) error {
	key, err := s.feeds.Key(feed, params)
	if err != nil {
		return err
	}
	s.cache.InvalidateQueries(key, querycache.InvalidateOptions{Exact: true})
	return nil
}
