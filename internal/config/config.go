package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid config")

// Load reads and parses the configuration file, then applies environment
// overrides. An empty path builds the configuration from the environment and
// defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return cfg, nil
}

// applyEnv overrides fields whose STREAMQUERY_ variable is set
func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.MaxInactiveQueries == 0 {
		cfg.MaxInactiveQueries = DefaultMaxInactiveQueries
	}
	if cfg.MaxSubscriptionsPerClient == 0 {
		cfg.MaxSubscriptionsPerClient = DefaultMaxSubscriptionsPerClient
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.NATSURL == "" {
		cfg.NATSURL = DefaultNATSURL
	}

	for i := range cfg.Feeds {
		if cfg.Feeds[i].Kind == FeedSSE && len(cfg.Feeds[i].EventTypes) == 0 {
			cfg.Feeds[i].EventTypes = []string{"message"}
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Feeds) == 0 {
		return errors.New("at least one feed is required")
	}

	names := make(map[string]bool)
	for i, feed := range cfg.Feeds {
		if feed.Name == "" {
			return fmt.Errorf("feed[%d]: name is required", i)
		}
		if names[feed.Name] {
			return fmt.Errorf("feed[%d]: duplicate feed name '%s'", i, feed.Name)
		}
		names[feed.Name] = true

		switch feed.Kind {
		case FeedSSE:
			if feed.URL == "" {
				return fmt.Errorf("feed '%s': url is required for sse feeds", feed.Name)
			}
		case FeedWS:
			if feed.URL == "" {
				return fmt.Errorf("feed '%s': url is required for ws feeds", feed.Name)
			}
			if feed.Query == "" {
				return fmt.Errorf("feed '%s': query is required for ws feeds", feed.Name)
			}
		case FeedNATS:
			if feed.Subject == "" {
				return fmt.Errorf("feed '%s': subject is required for nats feeds", feed.Name)
			}
		default:
			return fmt.Errorf("feed '%s': kind must be one of: sse, ws, nats", feed.Name)
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.MaxInactiveQueries < 0 {
		return fmt.Errorf("maxInactiveQueries must be non-negative")
	}

	if cfg.RetryCount < 0 {
		return fmt.Errorf("retryCount must be non-negative")
	}

	if cfg.RetryDelay < 0 {
		return fmt.Errorf("retryDelay must be non-negative")
	}

	if cfg.MaxSubscriptionsPerClient < 0 {
		return fmt.Errorf("maxSubscriptionsPerClient must be non-negative")
	}

	if cfg.WriteTimeout < 0 || cfg.PingInterval < 0 {
		return fmt.Errorf("writeTimeout and pingInterval must be non-negative")
	}

	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
