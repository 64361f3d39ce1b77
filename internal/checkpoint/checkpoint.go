// Package checkpoint persists loop snapshots to an append-only keyed log and
// reads back the most recent one for recovery.
package checkpoint

import (
	"time"

	"github.com/nextlevelbuilder/goloop/internal/conditions"
)

// Checkpoint is an immutable snapshot of a loop run.
type Checkpoint struct {
	ID            string              `json:"checkpoint_id"`
	SessionID     string              `json:"session_id"`
	AgentID       string              `json:"agent_id"`
	Sequence      int64               `json:"sequence"`
	Iteration     int                 `json:"iteration"`
	MaxIterations int                 `json:"max_iterations"`
	Phase         string              `json:"phase"`
	State         map[string]any      `json:"state,omitempty"`
	Conditions    []conditions.Status `json:"conditions,omitempty"`
	Custom        map[string]any      `json:"custom,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`

	StartedAt       time.Time `json:"started_at,omitzero"`
	LastIterationAt time.Time `json:"last_iteration_at,omitzero"`

	// StoreID is assigned by the backend and is not part of the encoded payload.
	StoreID string `json:"-"`
}
