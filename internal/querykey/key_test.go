package querykey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash_IgnoresMapOrder(t *testing.T) {
	a := New("todos", map[string]any{"b": 2, "a": 1})
	b := New("todos", map[string]any{"a": 1, "b": 2})

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, `["todos",{"a":1,"b":2}]`, a.Hash())
}

func TestHash_StructAndMapAgree(t *testing.T) {
	type filter struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}

	a := New("feed", filter{Status: "open", Limit: 10})
	b := New("feed", map[string]any{"limit": 10, "status": "open"})

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestHash_DistinguishesValues(t *testing.T) {
	assert.NotEqual(t, New("a", 1).Hash(), New("a", "1").Hash())
	assert.NotEqual(t, New("a").Hash(), New("a", nil).Hash())
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, nil))
	assert.True(t, Equal(1, 1.0))
	assert.True(t, Equal(int64(7), 7))
	assert.False(t, Equal(nil, 0))
	assert.False(t, Equal("x", "y"))
	assert.True(t, Equal(map[string]int{"x": 1}, map[string]any{"x": 1}))
}

func TestHasPrefix(t *testing.T) {
	k := New("posts", 1, "comments")

	assert.True(t, k.HasPrefix(New("posts")))
	assert.True(t, k.HasPrefix(New("posts", 1)))
	assert.True(t, k.HasPrefix(nil))
	assert.False(t, k.HasPrefix(New("posts", 2)))
	assert.False(t, k.HasPrefix(New("posts", 1, "comments", "x")))
}

func TestDigest_Stable(t *testing.T) {
	a := Digest(New("x", map[string]any{"b": 1, "a": 2}))
	b := Digest(New("x", map[string]any{"a": 2, "b": 1}))

	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}
