package relay

import (
	"encoding/json"
	"time"

	"streamquery/internal/querycache"
)

// Event types pushed in subscription notifications
const (
	EventData  = "data"
	EventError = "error"
)

// Event is the result of a subscription notification
type Event struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Snapshot is the cached state of a feed key, returned by get and refetch
type Snapshot struct {
	Status       querycache.Status `json:"status"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Error        string            `json:"error,omitempty"`
	UpdatedAt    int64             `json:"updatedAt,omitempty"` // unix ms
	FailureCount int               `json:"failureCount,omitempty"`
	IsFetching   bool              `json:"isFetching"`
}

func snapshotOf(status querycache.Status, data json.RawMessage, hasData bool, err error, updatedAt time.Time, failures int, fetching bool) Snapshot {
	s := Snapshot{
		Status:       status,
		FailureCount: failures,
		IsFetching:   fetching,
	}
	if hasData {
		s.Data = data
	}
	if err != nil {
		s.Error = err.Error()
	}
	if !updatedAt.IsZero() {
		s.UpdatedAt = updatedAt.UnixMilli()
	}
	return s
}
