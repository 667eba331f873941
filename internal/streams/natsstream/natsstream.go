// Package natsstream exposes NATS subject subscriptions as streams.
package natsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"streamquery/internal/stream"
)

const defaultBuffer = 256

// Decoder turns a message into a stream value
type Decoder[T any] func(msg *nats.Msg) (T, error)

// JSON decodes the message body as JSON
func JSON[T any](msg *nats.Msg) (T, error) {
	var v T
	err := json.Unmarshal(msg.Data, &v)
	return v, err
}

// Options configures Subject
type Options[T any] struct {
	// Decode defaults to JSON
	Decode Decoder[T]
	// Buffer is the number of messages queued before the subscription is
	// considered a slow consumer. Defaults to 256.
	Buffer int
}

// Subject returns a stream that subscribes to subject on every subscription
// and emits the decoded messages in arrival order. A decode failure fails
// the stream. Unsubscribing drops the NATS subscription.
func Subject[T any](nc *nats.Conn, subject string, opts Options[T]) stream.Stream[T] {
	decode := opts.Decode
	if decode == nil {
		decode = JSON[T]
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return stream.New(func(ctx context.Context, emit func(T) bool) error {
		ch := make(chan *nats.Msg, buffer)
		sub, err := nc.ChanSubscribe(subject, ch)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-ch:
				v, err := decode(msg)
				if err != nil {
					return fmt.Errorf("failed to decode message on %s: %w", msg.Subject, err)
				}
				if !emit(v) {
					return nil
				}
			}
		}
	})
}

// Connect opens a NATS connection that reconnects forever and logs
// connection state changes
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Str("url", url).Logger()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Msg("NATS connected")
	return nc, nil
}
