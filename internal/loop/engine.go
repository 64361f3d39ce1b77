// Package loop runs a unit of work repeatedly until its exit conditions are
// met or an iteration ceiling is reached, checkpointing along the way.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/policy"
	"github.com/nextlevelbuilder/goloop/internal/store"
	"github.com/nextlevelbuilder/goloop/internal/tracing"
	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

// Deps are the collaborators an engine needs. Checkpoints and Emitter are required.
type Deps struct {
	Checkpoints store.CheckpointStore
	Emitter     *tracing.Emitter
	// Invoker runs verification tools; nil uses conditions.ExecInvoker in Config.WorkDir.
	Invoker conditions.Invoker
	// Gate is consulted before every iteration; nil leaves only the local ceiling.
	Gate    *policy.Gate
	Metrics *Metrics
	Logger  *slog.Logger
}

// Engine owns one loop's state. It runs at most one Run at a time.
type Engine struct {
	cfg         Config
	checkpoints *checkpoint.Store
	evaluator   *conditions.Evaluator
	gate        *policy.Gate
	emitter     *tracing.Emitter
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time

	running atomic.Bool

	mu    sync.RWMutex
	state State
}

// New validates cfg, checks the checkpoint store is reachable and returns an
// engine in the initializing phase.
func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrConfiguration)
	}
	if deps.Emitter == nil {
		return nil, fmt.Errorf("%w: event emitter is required", ErrConfiguration)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", cfg.SessionID, "agent", cfg.AgentID)

	cps, err := checkpoint.NewStore(deps.Checkpoints,
		checkpoint.WithRetry(cfg.CheckpointRetry),
		checkpoint.WithOpTimeout(cfg.StoreTimeout),
		checkpoint.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := cps.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: checkpoint store unreachable: %v", ErrConfiguration, err)
	}

	invoker := deps.Invoker
	if invoker == nil {
		invoker = &conditions.ExecInvoker{WorkDir: cfg.WorkDir}
	}

	e := &Engine{
		cfg:         cfg,
		checkpoints: cps,
		evaluator: conditions.NewEvaluator(invoker,
			conditions.WithTimeout(cfg.VerificationTimeout),
			conditions.WithLogger(logger),
		),
		gate:    deps.Gate,
		emitter: deps.Emitter,
		metrics: deps.Metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	e.state = e.freshState()
	e.state.Phase = PhaseInitializing
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// SessionID returns the run's session id.
func (e *Engine) SessionID() string { return e.cfg.SessionID }

// State returns a deep copy of the current state. Safe to call during a run.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// ConditionStatuses returns a deep copy of the exit-condition statuses.
func (e *Engine) ConditionStatuses() []conditions.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return conditions.CloneAll(e.state.Conditions)
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// SaveCheckpoint writes a checkpoint of the current state with custom data attached.
func (e *Engine) SaveCheckpoint(ctx context.Context, custom map[string]any) (*checkpoint.Checkpoint, error) {
	e.mu.RLock()
	cp := e.state.ToCheckpoint(custom)
	e.mu.RUnlock()

	saved, err := e.checkpoints.Save(ctx, cp)
	e.metrics.checkpointSaved(e.cfg.AgentID, err == nil)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	// An older out-of-band save must not move the markers backwards.
	if saved.Iteration >= e.state.LastCheckpointIteration {
		e.state.LastCheckpointIteration = saved.Iteration
		e.state.LastCheckpointID = saved.ID
		e.state.LastCheckpointAt = saved.CreatedAt
	}
	e.mu.Unlock()

	e.emit(protocol.EventCheckpointSaved, saved.Iteration, nil, map[string]any{
		"checkpoint_id": saved.ID,
		"sequence":      saved.Sequence,
	}, "")
	return saved, nil
}

// LoadCheckpoint returns the latest checkpoint for sessionID (the engine's own
// session when empty). Corrupt payloads yield checkpoint.ErrCorrupt and missing
// ones checkpoint.ErrNotFound; the caller decides whether to start fresh.
func (e *Engine) LoadCheckpoint(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	if sessionID == "" {
		sessionID = e.cfg.SessionID
	}
	return e.checkpoints.LoadLatest(ctx, sessionID)
}

// ListCheckpoints returns the session's checkpoints in ascending sequence order.
func (e *Engine) ListCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	return e.checkpoints.List(ctx, e.cfg.SessionID)
}

// PruneCheckpoints removes checkpoints older than the configured retention.
// It is a no-op when retention is zero.
func (e *Engine) PruneCheckpoints(ctx context.Context) (int64, error) {
	if e.cfg.CheckpointRetention <= 0 {
		return 0, nil
	}
	return e.checkpoints.Prune(ctx, e.now().Add(-e.cfg.CheckpointRetention))
}

// EmitEvent publishes a custom progress marker. name is namespaced under "custom.".
func (e *Engine) EmitEvent(_ context.Context, name string, details map[string]any) error {
	typ, err := tracing.CustomType(name)
	if err != nil {
		return err
	}
	e.mu.RLock()
	it := e.state.CurrentIteration
	e.mu.RUnlock()
	e.emit(typ, it, nil, cloneData(details), "")
	return nil
}

func (e *Engine) freshState() State {
	st := State{
		SessionID:     e.cfg.SessionID,
		AgentID:       e.cfg.AgentID,
		MaxIterations: e.cfg.MaxIterations,
		Phase:         PhaseRunning,
		Conditions:    make([]conditions.Status, len(e.cfg.ExitConditions)),
		Data:          map[string]any{},
	}
	for i, c := range e.cfg.ExitConditions {
		st.Conditions[i] = conditions.NewStatus(c)
	}
	return st
}

// resumedState rebuilds state from cp, keeping condition statuses whose name
// still matches the configuration.
func (e *Engine) resumedState(cp *checkpoint.Checkpoint) State {
	st := StateFromCheckpoint(cp)
	st.AgentID = e.cfg.AgentID
	st.MaxIterations = e.cfg.MaxIterations
	if st.CurrentIteration > st.MaxIterations {
		st.CurrentIteration = st.MaxIterations
	}
	if st.LastCheckpointIteration > st.CurrentIteration {
		st.LastCheckpointIteration = st.CurrentIteration
	}
	if st.Data == nil {
		st.Data = map[string]any{}
	}

	byName := make(map[string]conditions.Status, len(cp.Conditions))
	for _, s := range cp.Conditions {
		byName[s.Name] = s
	}
	st.Conditions = make([]conditions.Status, len(e.cfg.ExitConditions))
	for i, c := range e.cfg.ExitConditions {
		if prev, ok := byName[c.DisplayName()]; ok && prev.Type == c.Type {
			st.Conditions[i] = prev.Clone()
		} else {
			st.Conditions[i] = conditions.NewStatus(c)
		}
	}
	return st
}

func (e *Engine) update(fn func(s *State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

func (e *Engine) setPhase(p Phase) {
	e.update(func(s *State) { s.Phase = p })
}

// emit builds an event from the current state and hands it to the emitter.
func (e *Engine) emit(typ protocol.EventType, iteration int, dur *time.Duration, details map[string]any, errMsg string) {
	e.mu.RLock()
	met, total := conditions.Summary(e.state.Conditions)
	ev := protocol.IterationEvent{
		Type:          typ,
		SessionID:     e.state.SessionID,
		AgentID:       e.state.AgentID,
		Iteration:     iteration,
		MaxIterations: e.state.MaxIterations,
		Timestamp:     e.now(),
		ConditionsMet: met,
		ConditionsAll: total,
		Phase:         string(e.state.Phase),
		Details:       details,
		Error:         errMsg,
	}
	e.mu.RUnlock()
	if dur != nil {
		ms := dur.Milliseconds()
		ev.DurationMS = &ms
	}
	e.emitter.Emit(ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// isContextErr reports whether err is a context cancellation or deadline.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var _ Handle = (*Engine)(nil)
