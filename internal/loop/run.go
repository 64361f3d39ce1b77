package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/policy"
	"github.com/nextlevelbuilder/goloop/internal/store"
	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

// RunOption customizes a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	initial map[string]any
	resume  *checkpoint.Checkpoint
}

// WithInitialState seeds the caller-state blob of a fresh run.
func WithInitialState(state map[string]any) RunOption {
	return func(o *runOptions) { o.initial = state }
}

// WithResume continues from cp instead of starting fresh. cp must belong to
// the engine's session.
func WithResume(cp *checkpoint.Checkpoint) RunOption {
	return func(o *runOptions) { o.resume = cp }
}

// termination is how the iteration loop ended.
type termination struct {
	outcome      Outcome
	phase        Phase
	err          error
	policyDetail string
	saveFirst    bool // attempt a best-effort checkpoint before finishing
}

// Run executes the loop until a terminal outcome. Only ErrReentrancy and
// ErrConfiguration are returned as errors; every other failure is reported
// through the Result.
func (e *Engine) Run(ctx context.Context, work WorkFunc, opts ...RunOption) (*Result, error) {
	if work == nil {
		return nil, fmt.Errorf("%w: work function is required", ErrConfiguration)
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrReentrancy
	}
	defer e.running.Store(false)

	var ro runOptions
	for _, o := range opts {
		o(&ro)
	}

	var st State
	if ro.resume != nil {
		if ro.resume.SessionID != e.cfg.SessionID {
			return nil, fmt.Errorf("%w: checkpoint belongs to session %q, engine runs %q",
				ErrConfiguration, ro.resume.SessionID, e.cfg.SessionID)
		}
		st = e.resumedState(ro.resume)
	} else {
		st = e.freshState()
		if ro.initial != nil {
			st.Data = cloneData(ro.initial)
		}
	}
	st.Active = true
	st.Phase = PhaseRunning
	started := e.now()
	if st.StartedAt.IsZero() {
		st.StartedAt = started
	}
	e.update(func(s *State) { *s = st })

	ctx = store.WithAgentID(store.WithSessionID(ctx, e.cfg.SessionID), e.cfg.AgentID)
	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.cfg.RunTimeout, ErrRunTimeout)
		defer cancel()
	}

	e.metrics.runStarted()
	startDetails := map[string]any{
		"resumed":             ro.resume != nil,
		"checkpoint_interval": e.cfg.CheckpointInterval,
		"exit_conditions":     len(e.cfg.ExitConditions),
	}
	if ro.resume != nil {
		startDetails["resumed_from"] = ro.resume.ID
	}
	for k, v := range e.cfg.Metadata {
		if _, taken := startDetails[k]; !taken {
			startDetails[k] = v
		}
	}
	e.logger.Info("loop: run started", "iteration", st.CurrentIteration, "max", e.cfg.MaxIterations, "resumed", ro.resume != nil)
	e.emit(protocol.EventLoopStarted, st.CurrentIteration, nil, startDetails, "")

	term := e.safeIterate(ctx, work)
	return e.finish(ctx, started, term), nil
}

// safeIterate runs iterate, ending the run with an error outcome if anything
// outside the supervised work and verification calls panics.
func (e *Engine) safeIterate(ctx context.Context, work WorkFunc) (t termination) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("loop: iteration panicked", "panic", r)
			t = termination{outcome: OutcomeError, phase: PhaseError, err: fmt.Errorf("loop: panic: %v", r), saveFirst: true}
		}
	}()
	return e.iterate(ctx, work)
}

// iterate runs iterations until one of the exit paths triggers.
func (e *Engine) iterate(ctx context.Context, work WorkFunc) termination {
	warned := false
	for {
		n := e.State().CurrentIteration // zero-based index of the next iteration
		if n >= e.cfg.MaxIterations {
			return termination{
				outcome:      OutcomeIterationLimit,
				phase:        PhaseCompleted,
				policyDetail: fmt.Sprintf("reached max iterations (%d)", e.cfg.MaxIterations),
			}
		}
		if t, stop := e.interrupted(ctx); stop {
			return t
		}
		num := n + 1

		if e.gate != nil {
			dec, err := e.gate.CheckAllowed(ctx, e.cfg.AgentID, num, e.cfg.MaxIterations)
			switch {
			case errors.Is(err, policy.ErrPolicyViolation):
				e.setPhase(PhaseError)
				e.emit(protocol.EventPolicyViolation, num, nil, map[string]any{
					"limit":  dec.Limit,
					"reason": dec.Reason,
				}, err.Error())
				return termination{outcome: OutcomeIterationLimit, phase: PhaseError, err: err, policyDetail: dec.Reason}
			case err != nil:
				if t, stop := e.interrupted(ctx); stop {
					return t
				}
				return termination{outcome: OutcomeError, phase: PhaseError, err: err}
			}
		}

		if !warned && e.shouldWarn(num) {
			warned = true
			e.emit(protocol.EventPolicyWarning, num, nil, map[string]any{
				"threshold": e.warningThreshold(),
				"remaining": e.cfg.MaxIterations - num,
			}, "")
		}

		iterStart := e.now()
		e.emit(protocol.EventIterationStarted, num, nil, nil, "")

		out, err := e.callWork(ctx, work, n)
		if t, stop := e.interrupted(ctx); stop {
			if err == nil {
				e.recordWork(num, out)
			}
			t.saveFirst = true
			return t
		}
		if err != nil {
			outcome := OutcomeError
			if errors.Is(err, ErrIterationTimeout) {
				outcome = OutcomeTimeout
			}
			return termination{outcome: outcome, phase: PhaseError, err: err, saveFirst: true}
		}
		e.recordWork(num, out)

		if t, stop := e.evaluate(ctx, num); stop {
			t.saveFirst = true
			return t
		}

		if conditions.AllMet(e.ConditionStatuses()) {
			e.emitIterationCompleted(num, iterStart)
			return termination{outcome: OutcomeCompleted, phase: PhaseCompleted}
		}

		if num%e.cfg.CheckpointInterval == 0 {
			e.setPhase(PhaseSavingCheckpoint)
			if _, err := e.SaveCheckpoint(ctx, nil); err != nil {
				e.logger.Warn("loop: checkpoint save failed", "iteration", num, "mandatory", e.cfg.MandatoryCheckpoints, "error", err)
				if e.cfg.MandatoryCheckpoints {
					return termination{outcome: OutcomeError, phase: PhaseError, err: err}
				}
			}
		}

		e.setPhase(PhaseRunning)
		e.emitIterationCompleted(num, iterStart)
	}
}

// interrupted maps a done ctx to a termination.
func (e *Engine) interrupted(ctx context.Context) (termination, bool) {
	if ctx.Err() == nil {
		return termination{}, false
	}
	if errors.Is(context.Cause(ctx), ErrRunTimeout) {
		return termination{outcome: OutcomeTimeout, phase: PhaseError,
			err: fmt.Errorf("%w after %s", ErrRunTimeout, e.cfg.RunTimeout)}, true
	}
	return termination{outcome: OutcomeCancelled, phase: PhaseError,
		err: fmt.Errorf("run cancelled: %w", context.Cause(ctx))}, true
}

type workResult struct {
	out map[string]any
	err error
}

// callWork runs the work function under the iteration timeout. A work
// function that ignores its context is abandoned when the timer fires.
func (e *Engine) callWork(ctx context.Context, work WorkFunc, n int) (map[string]any, error) {
	timeout := e.cfg.IterationTimeout
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := e.State().Data
	ch := make(chan workResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- workResult{err: fmt.Errorf("%w: panic: %v", ErrWorkFunction, r)}
			}
		}()
		out, err := work(wctx, n, input, e)
		ch <- workResult{out: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.out, nil
		}
		if errors.Is(r.err, ErrWorkFunction) {
			return nil, r.err
		}
		if ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) && isContextErr(r.err) {
			return nil, fmt.Errorf("%w: iteration %d exceeded %s", ErrIterationTimeout, n+1, timeout)
		}
		return nil, fmt.Errorf("%w: iteration %d: %w", ErrWorkFunction, n+1, r.err)
	case <-timer.C:
		e.logger.Warn("loop: work function ignored its deadline, abandoning it", "iteration", n+1, "timeout", timeout)
		return nil, fmt.Errorf("%w: iteration %d exceeded %s", ErrIterationTimeout, n+1, timeout)
	}
}

func (e *Engine) recordWork(num int, out map[string]any) {
	now := e.now()
	e.update(func(s *State) {
		for k, v := range out {
			s.Data[k] = cloneValue(v)
		}
		s.CurrentIteration = num
		s.LastIterationAt = now
	})
}

// evaluate checks every due exit condition in configuration order.
func (e *Engine) evaluate(ctx context.Context, num int) (termination, bool) {
	if len(e.cfg.ExitConditions) == 0 {
		return termination{}, false
	}
	e.setPhase(PhaseEvaluatingCondition)

	snap := e.State()
	ec := conditions.EvalContext{
		SessionID: snap.SessionID,
		AgentID:   snap.AgentID,
		Iteration: num,
		WorkDir:   e.cfg.WorkDir,
		State:     snap.Data,
	}
	for i, c := range e.cfg.ExitConditions {
		if !c.Due(num) {
			continue
		}
		if t, stop := e.interrupted(ctx); stop {
			return t, true
		}
		st := e.evaluator.Evaluate(ctx, c, ec)
		if ctx.Err() != nil {
			// Cancelled mid-check; keep the previous status.
			return e.interrupted(ctx)
		}
		e.update(func(s *State) { s.Conditions[i] = st })
		e.metrics.conditionEvaluated(string(c.Type), string(st.State))

		details := map[string]any{
			"condition":   st.Name,
			"type":        string(st.Type),
			"status":      string(st.State),
			"duration_ms": st.DurationMS,
		}
		if st.ExitCode != nil {
			details["exit_code"] = *st.ExitCode
		}
		if st.Tool != "" {
			details["tool"] = st.Tool
		}
		e.emit(protocol.EventExitConditionEvaluated, num, nil, details, st.Error)
	}
	return termination{}, false
}

func (e *Engine) emitIterationCompleted(num int, start time.Time) {
	d := e.now().Sub(start)
	e.metrics.iterationDone(e.cfg.AgentID, d)
	e.emit(protocol.EventIterationCompleted, num, &d, nil, "")
}

func (e *Engine) shouldWarn(num int) bool {
	if e.gate != nil {
		return e.gate.ShouldWarn(num, e.cfg.MaxIterations)
	}
	return float64(num) >= policy.DefaultWarningThreshold*float64(e.cfg.MaxIterations)
}

func (e *Engine) warningThreshold() float64 {
	if e.gate != nil {
		return e.gate.WarningThreshold()
	}
	return policy.DefaultWarningThreshold
}

// finish records the terminal state, emits the final event and builds the Result.
func (e *Engine) finish(ctx context.Context, started time.Time, t termination) *Result {
	if t.saveFirst {
		// The run context may already be done; the save gets its own budget.
		saveCtx := context.WithoutCancel(ctx)
		if _, err := e.SaveCheckpoint(saveCtx, map[string]any{"reason": string(t.outcome)}); err != nil {
			e.logger.Warn("loop: best-effort checkpoint failed", "outcome", t.outcome, "error", err)
		}
	}

	if t.phase == PhaseCompleted {
		e.setPhase(PhaseCompleting)
	}
	completed := e.now()
	e.update(func(s *State) {
		s.Phase = t.phase
		s.Active = false
	})
	final := e.State()

	res := &Result{
		SessionID:           final.SessionID,
		AgentID:             final.AgentID,
		Outcome:             t.outcome,
		IterationsCompleted: final.CurrentIteration,
		MaxIterations:       final.MaxIterations,
		StartedAt:           started,
		CompletedAt:         completed,
		Duration:            completed.Sub(started),
		Conditions:          final.Conditions,
		State:               final.Data,
		LastCheckpointID:    final.LastCheckpointID,
		Error:               errString(t.err),
		PolicyDetail:        t.policyDetail,
		Err:                 t.err,
	}
	e.metrics.runFinished(e.cfg.AgentID, t.outcome)

	details := map[string]any{
		"outcome":              string(t.outcome),
		"iterations_completed": res.IterationsCompleted,
	}
	if t.policyDetail != "" {
		details["policy_detail"] = t.policyDetail
	}
	d := res.Duration
	if t.phase == PhaseError {
		e.logger.Warn("loop: run failed", "outcome", t.outcome, "iterations", res.IterationsCompleted, "error", res.Error)
		e.emit(protocol.EventLoopError, res.IterationsCompleted, &d, details, res.Error)
	} else {
		e.logger.Info("loop: run finished", "outcome", t.outcome, "iterations", res.IterationsCompleted, "duration", d)
		e.emit(protocol.EventLoopCompleted, res.IterationsCompleted, &d, details, res.Error)
	}
	return res
}
