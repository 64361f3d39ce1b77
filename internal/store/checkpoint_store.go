package store

import (
	"context"
	"time"
)

// CheckpointRecord is one entry in the append-only checkpoint log.
// Payload is the encoded checkpoint; the remaining fields are indexable metadata.
type CheckpointRecord struct {
	// StoreID is assigned by the backend on append. Empty until persisted.
	StoreID      string    `json:"store_id,omitempty"`
	CheckpointID string    `json:"checkpoint_id"`
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Sequence     int64     `json:"sequence"`
	Iteration    int       `json:"iteration"`
	Payload      []byte    `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

// CheckpointStore is the durable, append-only keyed log that holds checkpoints.
// Implementations must be safe for concurrent use by many sessions.
type CheckpointStore interface {
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// AppendCheckpoint writes rec keyed by (SessionID, Sequence) and returns the store id.
	// Appending a record whose (SessionID, Sequence) already exists is a no-op that
	// returns the existing store id, so retried writes are harmless.
	AppendCheckpoint(ctx context.Context, rec CheckpointRecord) (string, error)

	// LatestCheckpoint returns the record with the highest sequence for the session,
	// or ErrNotFound.
	LatestCheckpoint(ctx context.Context, sessionID string) (*CheckpointRecord, error)

	// ListCheckpoints returns the session's records in ascending sequence order.
	ListCheckpoints(ctx context.Context, sessionID string) ([]CheckpointRecord, error)

	// PruneCheckpoints deletes records created before the cutoff and returns how many were removed.
	PruneCheckpoints(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
