package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequests(t *testing.T) {
	reqs, err := DecodeRequests([]byte(`  {"jsonrpc":"2.0","method":"get","params":["prices"],"id":1}`))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, MethodGet, reqs[0].Method)
	assert.Nil(t, reqs[0].Validate())

	reqs, err = DecodeRequests([]byte(`[{"jsonrpc":"2.0","method":"a","id":1},{"jsonrpc":"2.0","method":"b","id":"x"}]`))
	require.NoError(t, err)
	assert.Len(t, reqs, 2)

	_, err = DecodeRequests([]byte(`[]`))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = DecodeRequests([]byte(`{"jsonrpc":`))
	assert.Error(t, err)
}

func TestRequest_Validate(t *testing.T) {
	assert.NotNil(t, (&Request{JSONRPC: "1.0", Method: "get"}).Validate())
	assert.NotNil(t, (&Request{JSONRPC: Version}).Validate())
}

func TestID_EchoesRawValue(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"get","id":"abc-1"}`), &req))

	resp, err := Success(req.ID, true)
	require.NoError(t, err)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":true,"id":"abc-1"}`, string(data))

	n, ok := IntID(42).Int()
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)
	_, ok = StringID("x").Int()
	assert.False(t, ok)

	assert.True(t, NullID().IsNull())
	data, err = json.Marshal(Failure(NullID(), ErrParse))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"},"id":null}`, string(data))
}

func TestRequest_FeedParams(t *testing.T) {
	req, err := NewRequest(IntID(1), MethodSubscribe, []any{"prices", map[string]any{"symbol": "BTC"}})
	require.NoError(t, err)

	feed, params, rpcErr := req.FeedParams()
	require.Nil(t, rpcErr)
	assert.Equal(t, "prices", feed)
	assert.Equal(t, map[string]any{"symbol": "BTC"}, params)

	req, _ = NewRequest(IntID(2), MethodSubscribe, []any{"prices"})
	feed, params, rpcErr = req.FeedParams()
	require.Nil(t, rpcErr)
	assert.Equal(t, "prices", feed)
	assert.Nil(t, params)

	for _, bad := range [][]any{{}, {""}, {"prices", "not-an-object"}, {7}} {
		req, _ = NewRequest(IntID(3), MethodSubscribe, bad)
		_, _, rpcErr = req.FeedParams()
		require.NotNil(t, rpcErr, "%v", bad)
		assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	}
}

func TestRequest_SubscriptionID(t *testing.T) {
	req, _ := NewRequest(IntID(1), MethodUnsubscribe, []string{"abc"})
	id, rpcErr := req.SubscriptionID()
	require.Nil(t, rpcErr)
	assert.Equal(t, "abc", id)

	req, _ = NewRequest(IntID(1), MethodUnsubscribe, []string{})
	_, rpcErr = req.SubscriptionID()
	assert.NotNil(t, rpcErr)
}

func TestNotify(t *testing.T) {
	n, err := Notify("sub-1", map[string]int{"n": 1})
	require.NoError(t, err)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"subscription","params":{"subscription":"sub-1","result":{"n":1}}}`, string(data))
}

func TestError_WithData(t *testing.T) {
	base := Errorf(CodeUnknownFeed, "unknown feed")
	withData := base.WithData("prices")

	assert.Nil(t, base.Data)
	assert.JSONEq(t, `"prices"`, string(withData.Data))
	assert.Equal(t, "unknown feed (-32001)", withData.Error())
}
