package store

import (
	"context"

	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

// EventStore persists the progress feed for dashboards and audit queries.
type EventStore interface {
	// BatchCreateEvents appends events in the given order.
	BatchCreateEvents(ctx context.Context, events []protocol.IterationEvent) error

	// ListEvents returns the most recent limit events for a session in emission order
	// (limit <= 0 means all).
	ListEvents(ctx context.Context, sessionID string, limit int) ([]protocol.IterationEvent, error)
}

// Stores groups the backends a loop process needs.
type Stores struct {
	Checkpoints CheckpointStore
	// Events is nil for backends that do not keep an event table (redis, badger).
	Events EventStore
}

// Close closes every store that owns resources.
func (s *Stores) Close() error {
	if s == nil || s.Checkpoints == nil {
		return nil
	}
	return s.Checkpoints.Close()
}
