// Package jsonrpc holds the JSON-RPC 2.0 framing spoken by relay clients.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC version
const Version = "2.0"

// Standard error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Relay error codes
const (
	CodeUnknownFeed         = -32001
	CodeUnknownSubscription = -32002
	CodeSubscriptionLimit   = -32003
	CodeFetchFailed         = -32004
)

// Relay methods
const (
	MethodSubscribe    = "subscribe"
	MethodUnsubscribe  = "unsubscribe"
	MethodGet          = "get"
	MethodRefetch      = "refetch"
	MethodInvalidate   = "invalidate"
	MethodSubscription = "subscription"
)

var null = json.RawMessage("null")

// ID is a request id kept as raw JSON, so a response echoes exactly what the
// client sent
type ID struct {
	raw json.RawMessage
}

// IntID returns a numeric id
func IntID(n int64) ID {
	return ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// StringID returns a string id
func StringID(s string) ID {
	raw, _ := json.Marshal(s)
	return ID{raw: raw}
}

// NullID returns the null id used when a request could not be read
func NullID() ID {
	return ID{}
}

// IsNull reports whether the id is absent or null
func (id ID) IsNull() bool {
	return len(id.raw) == 0 || bytes.Equal(id.raw, null)
}

// Int returns the id as an integer when it is one
func (id ID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id.raw), 10, 64)
	return n, err == nil
}

func (id ID) String() string {
	if id.IsNull() {
		return "null"
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return null, nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(id.raw[:0], data...)
	return nil
}

// Error is a JSON-RPC error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Errorf builds an error with a formatted message
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying data
func (e *Error) WithData(data any) *Error {
	out := *e
	if raw, err := json.Marshal(data); err == nil {
		out.Data = raw
	}
	return &out
}

// Predefined errors
var (
	ErrParse          = &Error{Code: CodeParseError, Message: "Parse error"}
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "Invalid Request"}
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "Method not found"}
)

// Request is a client call
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// NewRequest encodes params into a call of method
func NewRequest(id ID, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method, ID: id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// Validate checks the version and method of the request
func (r *Request) Validate() *Error {
	if r.JSONRPC != Version {
		return Errorf(CodeInvalidRequest, "invalid jsonrpc version: %q", r.JSONRPC)
	}
	if r.Method == "" {
		return Errorf(CodeInvalidRequest, "method is required")
	}
	return nil
}

// DecodeRequests reads a single request or a batch
func DecodeRequests(data []byte) ([]*Request, error) {
	data = bytes.TrimLeft(data, " \t\r\n")
	if len(data) == 0 {
		return nil, ErrInvalidRequest
	}

	if data[0] != '[' {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to parse request: %w", err)
		}
		return []*Request{&req}, nil
	}

	var batch []*Request
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse batch: %w", err)
	}
	if len(batch) == 0 {
		return nil, ErrInvalidRequest
	}
	return batch, nil
}

// FeedParams reads [feed, params?] params
func (r *Request) FeedParams() (string, map[string]any, *Error) {
	var args []json.RawMessage
	if err := json.Unmarshal(r.Params, &args); err != nil || len(args) == 0 {
		return "", nil, Errorf(CodeInvalidParams, "expected [feed, params?]")
	}

	var feed string
	if err := json.Unmarshal(args[0], &feed); err != nil || feed == "" {
		return "", nil, Errorf(CodeInvalidParams, "feed must be a non-empty string")
	}

	var params map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &params); err != nil {
			return "", nil, Errorf(CodeInvalidParams, "feed params must be an object")
		}
	}
	return feed, params, nil
}

// SubscriptionID reads [subscriptionId] params
func (r *Request) SubscriptionID() (string, *Error) {
	var args []string
	if err := json.Unmarshal(r.Params, &args); err != nil || len(args) == 0 || args[0] == "" {
		return "", Errorf(CodeInvalidParams, "expected [subscriptionId]")
	}
	return args[0], nil
}

// Response answers a request
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// Success builds a response carrying result
func Success(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, Result: raw, ID: id}, nil
}

// Failure builds an error response
func Failure(id ID, err *Error) *Response {
	return &Response{JSONRPC: Version, Error: err, ID: id}
}

// Notification is a server push for a subscription
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

// NotificationParams carries the subscription id and the pushed value
type NotificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Notify builds a subscription notification carrying result
func Notify(subID string, result any) (*Notification, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return &Notification{
		JSONRPC: Version,
		Method:  MethodSubscription,
		Params:  NotificationParams{Subscription: subID, Result: raw},
	}, nil
}
