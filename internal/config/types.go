package config

import "time"

// FeedKind selects the transport a feed is read from
type FeedKind string

const (
	FeedSSE  FeedKind = "sse"
	FeedWS   FeedKind = "ws"
	FeedNATS FeedKind = "nats"
)

// Config represents the main configuration structure. Scalar settings can be
// overridden with STREAMQUERY_ prefixed environment variables.
type Config struct {
	Host                      string       `json:"host" env:"HOST"`
	Port                      int          `json:"port" env:"PORT"`
	LogLevel                  string       `json:"logLevel" env:"LOG_LEVEL"`
	MaxInactiveQueries        int          `json:"maxInactiveQueries" env:"MAX_INACTIVE_QUERIES"`
	RetryCount                int          `json:"retryCount" env:"RETRY_COUNT"` // failed subscribes retried before giving up
	RetryDelay                int          `json:"retryDelay" env:"RETRY_DELAY"` // ms - 0 means exponential backoff
	MaxSubscriptionsPerClient int          `json:"maxSubscriptionsPerClient" env:"MAX_SUBSCRIPTIONS_PER_CLIENT"`
	WriteTimeout              int          `json:"writeTimeout" env:"WRITE_TIMEOUT"` // ms - relay WebSocket write deadline
	PingInterval              int          `json:"pingInterval" env:"PING_INTERVAL"` // ms
	NATSURL                   string       `json:"natsUrl" env:"NATS_URL"`
	Feeds                     []FeedConfig `json:"feeds"`
}

// FeedConfig describes one named upstream feed clients can subscribe to
type FeedConfig struct {
	Name string   `json:"name"`
	Kind FeedKind `json:"kind"`
	// URL of the event source or GraphQL endpoint. For NATS feeds it overrides
	// the global natsUrl.
	URL string `json:"url"`
	// Subject for NATS feeds; {param} placeholders are filled from the
	// subscription params
	Subject string `json:"subject"`
	// Query is the GraphQL subscription document for ws feeds
	Query      string            `json:"query"`
	EventTypes []string          `json:"eventTypes"`
	Headers    map[string]string `json:"headers"`
}

// Default values
const (
	DefaultHost                      = "localhost"
	DefaultPort                      = 8550
	DefaultLogLevel                  = "info"
	DefaultMaxInactiveQueries        = 1000
	DefaultMaxSubscriptionsPerClient = 100
	DefaultWriteTimeout              = 10000 // ms
	DefaultPingInterval              = 30000 // ms
	DefaultNATSURL                   = "nats://127.0.0.1:4222"
	EnvPrefix                        = "STREAMQUERY_"
)

// GetRetryDelayDuration returns the fixed retry delay, zero when backoff is used
func (c *Config) GetRetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

// GetWriteTimeoutDuration returns write timeout as time.Duration
func (c *Config) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Millisecond
}

// GetPingIntervalDuration returns ping interval as time.Duration
func (c *Config) GetPingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return joinHostPort(c.Host, c.Port)
}

// Feed returns the feed with the given name
func (c *Config) Feed(name string) (FeedConfig, bool) {
	for _, f := range c.Feeds {
		if f.Name == name {
			return f, true
		}
	}
	return FeedConfig{}, false
}

// NATSServer returns the NATS server a feed reads from
func (c *Config) NATSServer(f FeedConfig) string {
	if f.URL != "" {
		return f.URL
	}
	return c.NATSURL
}
