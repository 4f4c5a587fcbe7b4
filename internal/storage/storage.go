package storage

import (
	"context"
	"time"
)

// EventKind identifies a sandbox lifecycle transition.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventReused       EventKind = "reused"
	EventCreateFailed EventKind = "create_failed"
	EventDeleted      EventKind = "deleted"
	EventDeleteFailed EventKind = "delete_failed"
	EventStale        EventKind = "stale"
	EventAdopted      EventKind = "adopted"
)

// Event is one recorded lifecycle transition of a sandbox.
type Event struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Kind      EventKind `json:"kind"`
	ClientKey string    `json:"client_key,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventListOptions controls filtering and pagination for ListEvents.
type EventListOptions struct {
	SandboxID string
	Kind      EventKind
	Limit     int
	Offset    int
}

// Store is the persistence interface for the lifecycle history.
// It is an audit trail only; the live sandbox set is never rebuilt from it.
type Store interface {
	// RecordEvent inserts an event. ID and CreatedAt are filled in when empty.
	RecordEvent(ctx context.Context, e *Event) error

	// ListEvents returns events ordered by created_at descending.
	ListEvents(ctx context.Context, opts EventListOptions) ([]Event, error)

	// Close releases resources.
	Close() error
}
