package eventsource

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamquery/internal/stream"
)

type tick struct {
	N int `json:"n"`
}

type collector[T any] struct {
	mu     sync.Mutex
	values []T
	err    error
	done   chan struct{}
}

func collect[T any](s stream.Stream[T]) (*collector[T], stream.Subscription) {
	c := &collector[T]{done: make(chan struct{})}
	sub := s.Subscribe(stream.Observer[T]{
		Next: func(v T) {
			c.mu.Lock()
			c.values = append(c.values, v)
			c.mu.Unlock()
		},
		Error: func(err error) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			close(c.done)
		},
		Complete: func() { close(c.done) },
	})
	return c, sub
}

func (c *collector[T]) wait(t *testing.T) ([]T, error) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values, c.err
}

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, body)
		w.(http.Flusher).Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_EmitsMessagesUntilComplete(t *testing.T) {
	srv := sseServer(t, "data: {\"n\":1}\n\n: keepalive\n\ndata: {\"n\":2}\n\nevent: complete\ndata:\n\n")

	c, _ := collect(Stream[tick](srv.URL, Options[tick]{}))
	values, err := c.wait(t)

	require.NoError(t, err)
	assert.Equal(t, []tick{{N: 1}, {N: 2}}, values)
}

func TestStream_IgnoresUnlistedEventTypes(t *testing.T) {
	srv := sseServer(t, "event: price\ndata: {\"n\":1}\n\nevent: other\ndata: {\"n\":9}\n\ndata: {\"n\":3}\n\nevent: complete\n\n")

	c, _ := collect(Stream[tick](srv.URL, Options[tick]{EventTypes: []string{"price"}}))
	values, err := c.wait(t)

	require.NoError(t, err)
	assert.Equal(t, []tick{{N: 1}}, values)
}

func TestStream_ErrorEventCarriesMessage(t *testing.T) {
	srv := sseServer(t, "data: {\"n\":1}\n\nevent: error\ndata: {\"errorMessage\":\"feed down\"}\n\n")

	c, _ := collect(Stream[tick](srv.URL, Options[tick]{}))
	values, err := c.wait(t)

	assert.Equal(t, []tick{{N: 1}}, values)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "feed down", remote.Message)
}

func TestStream_ErrorEventWithoutMessage(t *testing.T) {
	srv := sseServer(t, "event: error\ndata:\n\n")

	c, _ := collect(Stream[tick](srv.URL, Options[tick]{}))
	_, err := c.wait(t)

	assert.ErrorIs(t, err, ErrEventSource)
}

func TestStream_ClosedConnectionFails(t *testing.T) {
	srv := sseServer(t, "data: {\"n\":1}\n\n")

	c, _ := collect(Stream[tick](srv.URL, Options[tick]{}))
	values, err := c.wait(t)

	assert.Len(t, values, 1)
	assert.ErrorIs(t, err, ErrEventSource)
}

func TestStream_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := collect(Stream[tick](srv.URL, Options[tick]{}))
	_, err := c.wait(t)

	assert.ErrorIs(t, err, ErrEventSource)
}

func TestStream_ParseFailure(t *testing.T) {
	srv := sseServer(t, "data: not-json\n\n")

	c, _ := collect(Stream[tick](srv.URL, Options[tick]{}))
	_, err := c.wait(t)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse message event")
}

func TestStream_CustomParse(t *testing.T) {
	srv := sseServer(t, "id: 7\ndata: hello\ndata: world\n\nevent: complete\n\n")

	parse := func(ev Event) (string, error) { return ev.ID + ":" + ev.Data, nil }
	c, _ := collect(Stream[string](srv.URL, Options[string]{Parse: parse}))
	values, err := c.wait(t)

	require.NoError(t, err)
	assert.Equal(t, []string{"7:hello\nworld"}, values)
}

func TestStream_UnsubscribeClosesConnection(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"n\":1}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(closed)
	}))
	defer srv.Close()

	c, sub := collect(Stream[tick](srv.URL, Options[tick]{}))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.values) == 1
	}, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection was not closed")
	}
	select {
	case <-c.done:
		t.Fatal("unsubscribe must not deliver a terminal notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRead_DispatchStops(t *testing.T) {
	var got []Event
	err := Read(strings.NewReader("event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"), func(ev Event) (bool, error) {
		got = append(got, ev)
		return false, nil
	})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Event{Type: "a", Data: "1"}, got[0])
}
