// Package eventsource turns a server-sent events endpoint into a stream.
package eventsource

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"streamquery/internal/stream"
)

const (
	// EventComplete ends the stream without error
	EventComplete = "complete"
	// EventError fails the stream; the data may carry {"errorMessage": "..."}
	EventError = "error"
	// EventMessage is the type of events without an explicit event field
	EventMessage = "message"
)

// ErrEventSource is reported when the server closes the connection or sends an
// error event without a message
var ErrEventSource = errors.New("event source error")

// RemoteError is an error event sent by the server
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Event is one dispatched server-sent event
type Event struct {
	Type string
	ID   string
	Data string
}

// ParseFunc decodes the data of an event into a stream value
type ParseFunc[T any] func(ev Event) (T, error)

// Options configures Stream
type Options[T any] struct {
	// EventTypes lists the event types turned into values. Defaults to ["message"].
	EventTypes []string
	// Parse defaults to JSON decoding of the event data
	Parse  ParseFunc[T]
	Header http.Header
	Client *http.Client
}

// JSON decodes event data as JSON
func JSON[T any](ev Event) (T, error) {
	var v T
	err := json.Unmarshal([]byte(ev.Data), &v)
	return v, err
}

// Stream returns a stream that opens url on every subscription and emits the
// parsed events. The connection is closed on unsubscribe.
func Stream[T any](url string, opts Options[T]) stream.Stream[T] {
	eventTypes := opts.EventTypes
	if len(eventTypes) == 0 {
		eventTypes = []string{EventMessage}
	}
	parse := opts.Parse
	if parse == nil {
		parse = JSON[T]
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	return stream.New(func(ctx context.Context, emit func(T) bool) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range opts.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to connect to event source: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: unexpected status %d", ErrEventSource, resp.StatusCode)
		}

		err = Read(resp.Body, func(ev Event) (bool, error) {
			switch ev.Type {
			case EventComplete:
				return false, nil
			case EventError:
				return false, remoteError(ev.Data)
			}
			if !slices.Contains(eventTypes, ev.Type) {
				return true, nil
			}
			v, err := parse(ev)
			if err != nil {
				return false, fmt.Errorf("failed to parse %s event: %w", ev.Type, err)
			}
			return emit(v), nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	})
}

// Read parses the event stream from r and calls dispatch for every event.
// Reading stops when dispatch returns false or an error. A body that ends
// before that is reported as ErrEventSource.
func Read(r io.Reader, dispatch func(Event) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		ev   Event
		data []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) == 0 && ev.Type == "" {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			if ev.Type == "" {
				ev.Type = EventMessage
			}
			more, err := dispatch(ev)
			if err != nil || !more {
				return err
			}
			ev = Event{ID: ev.ID}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event source: %w", err)
	}
	return fmt.Errorf("%w: connection closed", ErrEventSource)
}

func remoteError(data string) error {
	var payload struct {
		ErrorMessage string `json:"errorMessage"`
	}
	if data != "" && json.Unmarshal([]byte(data), &payload) == nil && payload.ErrorMessage != "" {
		return &RemoteError{Message: payload.ErrorMessage}
	}
	return ErrEventSource
}
