package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"streamquery/internal/config"
	"streamquery/internal/metrics"
	"streamquery/internal/querycache"
	"streamquery/internal/relay"
)

// Server represents the main server
type Server struct {
	cfg        *config.Config
	cache      *querycache.Client
	feeds      *relay.Feeds
	relay      *relay.Service
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	m := metrics.New()

	cache, err := querycache.NewClient(querycache.Config{MaxInactiveQueries: cfg.MaxInactiveQueries}, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	logger.Info().
		Int("maxInactiveQueries", cfg.MaxInactiveQueries).
		Msg("query cache created")

	feeds := relay.NewFeeds(cfg, logger)
	for _, f := range cfg.Feeds {
		logger.Info().
			Str("feed", f.Name).
			Str("kind", string(f.Kind)).
			Msg("feed configured")
	}

	return &Server{
		cfg:     cfg,
		cache:   cache,
		feeds:   feeds,
		relay:   relay.NewService(cache, feeds, cfg, m, logger),
		metrics: m,
		logger:  logger,
	}, nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.relay)
	mux.HandleFunc("GET /feeds/{name}", s.handleFeed)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// handleFeed returns the cached state of a feed. Query parameters select
// the params of the feed key.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if q := r.URL.Query(); len(q) > 0 {
		params = make(map[string]any, len(q))
		for k := range q {
			params[k] = q.Get(k)
		}
	}

	snap, err := s.relay.Get(r.PathValue("name"), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, relay.ErrUnknownFeed) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, snap)
}

type health struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Queries int    `json:"queries"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, health{
		Status:  "ok",
		Clients: s.relay.ClientCount(),
		Queries: s.cache.Len(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Start starts the server
func (s *Server) Start() error {
	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", addr).
			Msg("starting server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()

	for _, f := range s.cfg.Feeds {
		s.logger.Info().
			Str("feed", f.Name).
			Str("ws", fmt.Sprintf("ws://%s/ws", addr)).
			Str("http", fmt.Sprintf("http://%s/feeds/%s", addr, f.Name)).
			Msg("endpoint available")
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	// Close client sessions first, hijacked connections are not covered by Shutdown
	s.relay.CloseAll()

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	s.cache.Close()
	s.feeds.Close()

	if httpErr != nil {
		return fmt.Errorf("server shutdown error: %w", httpErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}
