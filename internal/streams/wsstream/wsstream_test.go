package wsstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamquery/internal/stream"
)

type priceData struct {
	Price struct {
		Value int `json:"value"`
	} `json:"price"`
}

// gqlServer runs script against every accepted connection after the handshake
func gqlServer(t *testing.T, ack bool, script func(ws *websocket.Conn, sub message)) string {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer ws.Close()
		assert.Equal(t, Subprotocol, ws.Subprotocol())

		var init message
		if !assert.NoError(t, ws.ReadJSON(&init)) {
			return
		}
		assert.Equal(t, msgConnectionInit, init.Type)
		if !ack {
			time.Sleep(200 * time.Millisecond)
			return
		}
		assert.NoError(t, ws.WriteJSON(message{Type: msgConnectionAck}))

		var sub message
		if !assert.NoError(t, ws.ReadJSON(&sub)) {
			return
		}
		assert.Equal(t, msgSubscribe, sub.Type)
		assert.NotEmpty(t, sub.ID)
		script(ws, sub)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func next(t *testing.T, ws *websocket.Conn, id string, value int) {
	t.Helper()
	payload := json.RawMessage(`{"data":{"price":{"value":` + jsonInt(value) + `}}}`)
	assert.NoError(t, ws.WriteJSON(message{ID: id, Type: msgNext, Payload: payload}))
}

func jsonInt(v int) string {
	b, _ := json.Marshal(v)
	return string(b)
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

func TestSubscribe_EmitsDataUntilComplete(t *testing.T) {
	url := gqlServer(t, true, func(ws *websocket.Conn, sub message) {
		var p Payload
		assert.NoError(t, json.Unmarshal(sub.Payload, &p))
		assert.Equal(t, "subscription { price { value } }", p.Query)
		assert.Equal(t, "BTC", p.Variables["symbol"])

		next(t, ws, sub.ID, 1)
		assert.NoError(t, ws.WriteJSON(message{Type: msgPing}))
		var pong message
		assert.NoError(t, ws.ReadJSON(&pong))
		assert.Equal(t, msgPong, pong.Type)
		next(t, ws, "other", 99)
		next(t, ws, sub.ID, 2)
		assert.NoError(t, ws.WriteJSON(message{ID: sub.ID, Type: msgComplete}))
		time.Sleep(50 * time.Millisecond)
	})

	payload := Payload{Query: "subscription { price { value } }", Variables: map[string]any{"symbol": "BTC"}}
	c, _ := collect(Subscribe[priceData](url, payload, Options{}))
	values, err := c.wait(t)

	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, 1, values[0].Price.Value)
	assert.Equal(t, 2, values[1].Price.Value)
}

func TestSubscribe_ErrorMessageFailsStream(t *testing.T) {
	url := gqlServer(t, true, func(ws *websocket.Conn, sub message) {
		payload := json.RawMessage(`[{"message":"unknown field"},{"message":"bad symbol"}]`)
		assert.NoError(t, ws.WriteJSON(message{ID: sub.ID, Type: msgError, Payload: payload}))
		time.Sleep(50 * time.Millisecond)
	})

	c, _ := collect(Subscribe[priceData](url, Payload{Query: "subscription { nope }"}, Options{}))
	_, err := c.wait(t)

	var gqlErr *GraphQLError
	require.ErrorAs(t, err, &gqlErr)
	assert.Len(t, gqlErr.Errors, 2)
	assert.Equal(t, "graphql: unknown field; bad symbol", err.Error())
}

func TestSubscribe_ResultWithOnlyErrorsFailsStream(t *testing.T) {
	url := gqlServer(t, true, func(ws *websocket.Conn, sub message) {
		payload := json.RawMessage(`{"data":null,"errors":[{"message":"resolver failed"}]}`)
		assert.NoError(t, ws.WriteJSON(message{ID: sub.ID, Type: msgNext, Payload: payload}))
		time.Sleep(50 * time.Millisecond)
	})

	c, _ := collect(Subscribe[priceData](url, Payload{Query: "subscription { price { value } }"}, Options{}))
	_, err := c.wait(t)

	var gqlErr *GraphQLError
	require.ErrorAs(t, err, &gqlErr)
	assert.Equal(t, "resolver failed", gqlErr.Errors[0].Message)
}

func TestSubscribe_UnsubscribeSendsComplete(t *testing.T) {
	completed := make(chan string, 1)
	url := gqlServer(t, true, func(ws *websocket.Conn, sub message) {
		next(t, ws, sub.ID, 1)
		var msg message
		if err := ws.ReadJSON(&msg); err == nil && msg.Type == msgComplete {
			completed <- msg.ID
		}
	})

	c, sub := collect(Subscribe[priceData](url, Payload{Query: "subscription { price { value } }"}, Options{}))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.values) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sub.Unsubscribe()

	select {
	case id := <-completed:
		assert.NotEmpty(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive complete")
	}
}

func TestSubscribe_NoAck(t *testing.T) {
	url := gqlServer(t, false, nil)

	c, _ := collect(Subscribe[priceData](url, Payload{Query: "subscription { x }"}, Options{AckTimeout: 50 * time.Millisecond}))
	_, err := c.wait(t)

	assert.ErrorIs(t, err, ErrNoAck)
}

func TestSubscribe_DialFailure(t *testing.T) {
	c, _ := collect(Subscribe[priceData]("ws://127.0.0.1:1", Payload{Query: "subscription { x }"}, Options{}))
	_, err := c.wait(t)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect WebSocket")
}
