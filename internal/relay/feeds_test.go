package relay

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamquery/internal/config"
)

func TestFeeds_KeyIsStableAcrossParamOrder(t *testing.T) {
	cfg := &config.Config{Feeds: []config.FeedConfig{{Name: "prices", Kind: config.FeedSSE, URL: "http://x"}}}
	f := NewFeeds(cfg, zerolog.Nop())

	a, err := f.Key("prices", map[string]any{"symbol": "BTC", "venue": "x"})
	require.NoError(t, err)
	b, err := f.Key("prices", map[string]any{"venue": "x", "symbol": "BTC"})
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())

	c, err := f.Key("prices", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), c.Hash())

	_, err = f.Key("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownFeed)

	_, err = f.Factory("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownFeed)
}

func TestExpandSubject(t *testing.T) {
	assert.Equal(t, "ticks.BTC.1", expandSubject("ticks.{symbol}.{n}", map[string]any{"symbol": "BTC", "n": 1}))
	assert.Equal(t, "ticks.{symbol}", expandSubject("ticks.{symbol}", nil))
	assert.Equal(t, "plain", expandSubject("plain", map[string]any{"symbol": "BTC"}))
}

func TestWithQuery(t *testing.T) {
	u, err := withQuery("http://host/prices?a=1", map[string]any{"symbol": "BTC", "depth": 5})
	require.NoError(t, err)
	assert.Equal(t, "http://host/prices?a=1&depth=5&symbol=BTC", u)

	u, err = withQuery("http://host/prices", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://host/prices", u)
}
