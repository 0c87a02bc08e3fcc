package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Entity is a domain item created by the local executor.
type Entity struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	Status      string    `json:"status"` // "open", "done"
	PayloadJSON string    `json:"payload_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UsageEvent is one raw observation feeding the usage pattern aggregate.
type UsageEvent struct {
	SessionID string
	Kind      string
	EntityID  string
	CreatedAt time.Time
}
