// Package wsstream subscribes to GraphQL operations over the
// graphql-transport-ws WebSocket protocol and exposes them as streams.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"streamquery/internal/stream"
)

// Subprotocol is the WebSocket subprotocol negotiated with the server
const Subprotocol = "graphql-transport-ws"

const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

const defaultAckTimeout = 10 * time.Second

// ErrNoAck is returned when the server does not acknowledge connection_init in time
var ErrNoAck = errors.New("connection not acknowledged")

// Payload is the subscribe message payload
type Payload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Options configures Subscribe
type Options struct {
	Dialer      *websocket.Dialer
	Header      http.Header
	InitPayload any
	// AckTimeout bounds the wait for connection_ack. Defaults to 10s.
	AckTimeout time.Duration
}

// GraphQLError is a list of errors reported by the server for the operation
type GraphQLError struct {
	Errors []ErrorMessage
}

// ErrorMessage is one entry of a GraphQL error list
type ErrorMessage struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

func (e *GraphQLError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		msgs = append(msgs, m.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type executionResult struct {
	Data   json.RawMessage `json:"data"`
	Errors []ErrorMessage  `json:"errors,omitempty"`
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) send(id, typ string, payload any) error {
	msg := message{ID: id, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		msg.Payload = raw
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *conn) read() (message, error) {
	var msg message
	err := c.ws.ReadJSON(&msg)
	return msg, err
}

// Subscribe returns a stream that dials url on every subscription, runs the
// operation and emits the data of every result. The server's complete ends
// the stream. On unsubscribe a complete message is sent and the connection
// is closed.
func Subscribe[T any](url string, payload Payload, opts Options) stream.Stream[T] {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	return stream.New(func(ctx context.Context, emit func(T) bool) error {
		d := *dialer
		d.Subprotocols = []string{Subprotocol}
		ws, _, err := d.DialContext(ctx, url, opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to connect WebSocket: %w", err)
		}
		c := &conn{ws: ws}
		id := uuid.NewString()

		cancelled := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(cancelled)
			_ = c.send(id, msgComplete, nil)
			ws.Close()
		})
		defer func() {
			if !stop() {
				<-cancelled
			}
			ws.Close()
		}()

		err = run(c, id, payload, opts.InitPayload, ackTimeout, emit)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	})
}

func run[T any](c *conn, id string, payload Payload, initPayload any, ackTimeout time.Duration, emit func(T) bool) error {
	if err := c.send("", msgConnectionInit, initPayload); err != nil {
		return fmt.Errorf("failed to send connection_init: %w", err)
	}
	if err := awaitAck(c, ackTimeout); err != nil {
		return err
	}
	if err := c.send(id, msgSubscribe, payload); err != nil {
		return fmt.Errorf("failed to send subscribe: %w", err)
	}

	for {
		msg, err := c.read()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch msg.Type {
		case msgPing:
			if err := c.send("", msgPong, nil); err != nil {
				return fmt.Errorf("failed to send pong: %w", err)
			}
		case msgNext:
			if msg.ID != id {
				continue
			}
			var result executionResult
			if err := json.Unmarshal(msg.Payload, &result); err != nil {
				return fmt.Errorf("failed to decode result: %w", err)
			}
			if len(result.Errors) > 0 && isNull(result.Data) {
				return &GraphQLError{Errors: result.Errors}
			}
			var v T
			if !isNull(result.Data) {
				if err := json.Unmarshal(result.Data, &v); err != nil {
					return fmt.Errorf("failed to decode data: %w", err)
				}
			}
			if !emit(v) {
				return nil
			}
		case msgError:
			if msg.ID != id {
				continue
			}
			var errs []ErrorMessage
			if err := json.Unmarshal(msg.Payload, &errs); err != nil {
				return fmt.Errorf("failed to decode error: %w", err)
			}
			return &GraphQLError{Errors: errs}
		case msgComplete:
			if msg.ID == id {
				return nil
			}
		}
	}
}

func awaitAck(c *conn, timeout time.Duration) error {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	for {
		msg, err := c.read()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrNoAck
			}
			return fmt.Errorf("failed to read connection_ack: %w", err)
		}
		switch msg.Type {
		case msgConnectionAck:
			return c.ws.SetReadDeadline(time.Time{})
		case msgPing:
			if err := c.send("", msgPong, nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected %q before connection_ack", msg.Type)
		}
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
