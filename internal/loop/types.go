package loop

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
	"github.com/nextlevelbuilder/goloop/internal/conditions"
)

// Phase is the engine's position in its state machine.
type Phase string

const (
	PhaseInitializing        Phase = "initializing"
	PhaseRunning             Phase = "running"
	PhaseEvaluatingCondition Phase = "evaluating_conditions"
	PhaseSavingCheckpoint    Phase = "saving_checkpoint"
	PhaseCompleting          Phase = "completing"
	PhaseCompleted           Phase = "completed"
	PhaseError               Phase = "error"
)

// Terminal reports whether no further transitions happen from p within a run.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseError }

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeIterationLimit Outcome = "iteration_limit"
	OutcomeError          Outcome = "error"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeTimeout        Outcome = "timeout"
)

// State is the engine's mutable run state. Values returned by Engine.State
// are deep copies.
type State struct {
	SessionID               string              `json:"session_id"`
	AgentID                 string              `json:"agent_id"`
	CurrentIteration        int                 `json:"current_iteration"`
	MaxIterations           int                 `json:"max_iterations"`
	Phase                   Phase               `json:"phase"`
	StartedAt               time.Time           `json:"started_at,omitzero"`
	LastIterationAt         time.Time           `json:"last_iteration_at,omitzero"`
	LastCheckpointAt        time.Time           `json:"last_checkpoint_at,omitzero"`
	LastCheckpointIteration int                 `json:"last_checkpoint_iteration"`
	LastCheckpointID        string              `json:"last_checkpoint_id,omitempty"`
	Conditions              []conditions.Status `json:"conditions"`
	Active                  bool                `json:"active"`
	Data                    map[string]any      `json:"data,omitempty"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Conditions = conditions.CloneAll(s.Conditions)
	out.Data = cloneData(s.Data)
	return out
}

// ToCheckpoint snapshots s. The returned checkpoint has no id or sequence yet.
func (s State) ToCheckpoint(custom map[string]any) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		SessionID:       s.SessionID,
		AgentID:         s.AgentID,
		Iteration:       s.CurrentIteration,
		MaxIterations:   s.MaxIterations,
		Phase:           string(s.Phase),
		State:           cloneData(s.Data),
		Conditions:      conditions.CloneAll(s.Conditions),
		Custom:          cloneData(custom),
		StartedAt:       s.StartedAt,
		LastIterationAt: s.LastIterationAt,
	}
}

// StateFromCheckpoint rebuilds run state from cp. The result is inactive, in
// the running phase, and records cp as the last checkpoint.
func StateFromCheckpoint(cp *checkpoint.Checkpoint) State {
	return State{
		SessionID:               cp.SessionID,
		AgentID:                 cp.AgentID,
		CurrentIteration:        cp.Iteration,
		MaxIterations:           cp.MaxIterations,
		Phase:                   PhaseRunning,
		StartedAt:               cp.StartedAt,
		LastIterationAt:         cp.LastIterationAt,
		LastCheckpointAt:        cp.CreatedAt,
		LastCheckpointIteration: cp.Iteration,
		LastCheckpointID:        cp.ID,
		Conditions:              conditions.CloneAll(cp.Conditions),
		Active:                  false,
		Data:                    cloneData(cp.State),
	}
}

// Result is the sole return value of a run.
type Result struct {
	SessionID           string              `json:"session_id"`
	AgentID             string              `json:"agent_id"`
	Outcome             Outcome             `json:"outcome"`
	IterationsCompleted int                 `json:"iterations_completed"`
	MaxIterations       int                 `json:"max_iterations"`
	StartedAt           time.Time           `json:"started_at"`
	CompletedAt         time.Time           `json:"completed_at"`
	Duration            time.Duration       `json:"duration_ns"`
	Conditions          []conditions.Status `json:"conditions"`
	State               map[string]any      `json:"state,omitempty"`
	LastCheckpointID    string              `json:"last_checkpoint_id,omitempty"`
	Error               string              `json:"error,omitempty"`
	PolicyDetail        string              `json:"policy_detail,omitempty"`

	// Err carries the wrapped sentinel behind Error for errors.Is checks.
	Err error `json:"-"`
}

// Handle is what the work function may call back into during an iteration.
type Handle interface {
	// SaveCheckpoint writes an out-of-band checkpoint of the current state.
	SaveCheckpoint(ctx context.Context, custom map[string]any) (*checkpoint.Checkpoint, error)
	// LoadCheckpoint reads the latest checkpoint for sessionID.
	LoadCheckpoint(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error)
	// EmitEvent publishes a custom progress marker.
	EmitEvent(ctx context.Context, name string, details map[string]any) error
	// State returns a snapshot of the run state.
	State() State
}

// WorkFunc performs one iteration. iteration is zero-based; state is a private
// copy of the caller blob. The returned map is merged into the caller blob.
type WorkFunc func(ctx context.Context, iteration int, state map[string]any, h Handle) (map[string]any, error)

// cloneData deep-copies JSON-shaped values. Other values are copied shallowly.
func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneData(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}
