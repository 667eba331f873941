package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"streamquery/internal/bridge"
	"streamquery/internal/config"
	"streamquery/internal/querycache"
	"streamquery/internal/querykey"
	"streamquery/internal/stream"
	"streamquery/internal/streams/eventsource"
	"streamquery/internal/streams/natsstream"
	"streamquery/internal/streams/wsstream"
)

// ErrUnknownFeed is returned for feed names missing from the configuration
var ErrUnknownFeed = errors.New("unknown feed")

// Feeds resolves configured feed names into cache keys and stream factories
type Feeds struct {
	cfg    *config.Config
	logger zerolog.Logger
	client *http.Client

	mu    sync.Mutex
	conns map[string]*nats.Conn
}

// NewFeeds creates a feed resolver for cfg
func NewFeeds(cfg *config.Config, logger zerolog.Logger) *Feeds {
	return &Feeds{
		cfg:    cfg,
		logger: logger.With().Str("component", "feeds").Logger(),
		client: &http.Client{},
		conns:  make(map[string]*nats.Conn),
	}
}

// Key returns the cache key shared by every subscriber of name with params
func (f *Feeds) Key(name string, params map[string]any) (querykey.Key, error) {
	if _, ok := f.cfg.Feed(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, name)
	}
	return feedKey(name, params), nil
}

func feedKey(name string, params map[string]any) querykey.Key {
	if len(params) == 0 {
		return querykey.New("feed", name)
	}
	return querykey.New("feed", name, params)
}

// Factory returns the stream factory for name with params
func (f *Feeds) Factory(name string, params map[string]any) (bridge.Factory[json.RawMessage], error) {
	feed, ok := f.cfg.Feed(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, name)
	}

	switch feed.Kind {
	case config.FeedSSE:
		return f.sseFactory(feed, params), nil
	case config.FeedWS:
		return f.wsFactory(feed, params), nil
	case config.FeedNATS:
		return f.natsFactory(feed, params), nil
	}
	return nil, fmt.Errorf("feed '%s': unsupported kind %q", name, feed.Kind)
}

func (f *Feeds) sseFactory(feed config.FeedConfig, params map[string]any) bridge.Factory[json.RawMessage] {
	return func(ctx context.Context, qc querycache.QueryContext) (stream.Stream[json.RawMessage], error) {
		u, err := withQuery(feed.URL, params)
		if err != nil {
			return nil, err
		}
		f.logger.Debug().Str("feed", feed.Name).Str("url", u).Msg("opening event source")
		return eventsource.Stream[json.RawMessage](u, eventsource.Options[json.RawMessage]{
			EventTypes: feed.EventTypes,
			Header:     headers(feed.Headers),
			Client:     f.client,
		}), nil
	}
}

func (f *Feeds) wsFactory(feed config.FeedConfig, params map[string]any) bridge.Factory[json.RawMessage] {
	return func(ctx context.Context, qc querycache.QueryContext) (stream.Stream[json.RawMessage], error) {
		f.logger.Debug().Str("feed", feed.Name).Str("url", feed.URL).Msg("opening graphql subscription")
		payload := wsstream.Payload{Query: feed.Query, Variables: params}
		return wsstream.Subscribe[json.RawMessage](feed.URL, payload, wsstream.Options{
			Header: headers(feed.Headers),
		}), nil
	}
}

func (f *Feeds) natsFactory(feed config.FeedConfig, params map[string]any) bridge.Factory[json.RawMessage] {
	return func(ctx context.Context, qc querycache.QueryContext) (stream.Stream[json.RawMessage], error) {
		nc, err := f.natsConn(f.cfg.NATSServer(feed))
		if err != nil {
			return nil, err
		}
		subject := expandSubject(feed.Subject, params)
		f.logger.Debug().Str("feed", feed.Name).Str("subject", subject).Msg("subscribing to subject")
		return natsstream.Subject[json.RawMessage](nc, subject, natsstream.Options[json.RawMessage]{}), nil
	}
}

// natsConn returns the shared connection to server, dialing it on first use
func (f *Feeds) natsConn(server string) (*nats.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if nc, ok := f.conns[server]; ok && !nc.IsClosed() {
		return nc, nil
	}
	nc, err := natsstream.Connect(server, "streamquery", f.logger)
	if err != nil {
		return nil, err
	}
	f.conns[server] = nc
	return nc, nil
}

// Close drains every NATS connection
func (f *Feeds) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for server, nc := range f.conns {
		if err := nc.Drain(); err != nil {
			f.logger.Debug().Err(err).Str("server", server).Msg("NATS drain failed")
			nc.Close()
		}
	}
	f.conns = make(map[string]*nats.Conn)
}

// withQuery appends params to the query string of raw
func withQuery(raw string, params map[string]any) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid feed url: %w", err)
	}
	if len(params) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, paramString(v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// expandSubject replaces {name} placeholders with params
func expandSubject(subject string, params map[string]any) string {
	if len(params) == 0 || !strings.Contains(subject, "{") {
		return subject
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, 2*len(names))
	for _, k := range names {
		pairs = append(pairs, "{"+k+"}", paramString(params[k]))
	}
	return strings.NewReplacer(pairs...).Replace(subject)
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func headers(h map[string]string) http.Header {
	if len(h) == 0 {
		return nil
	}
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}
