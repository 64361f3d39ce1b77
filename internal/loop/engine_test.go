package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/cron"
	"github.com/nextlevelbuilder/goloop/internal/policy"
	"github.com/nextlevelbuilder/goloop/internal/store"
	"github.com/nextlevelbuilder/goloop/internal/store/memstore"
	"github.com/nextlevelbuilder/goloop/internal/tracing"
	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

var fastRetry = cron.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

type harness struct {
	eng     *Engine
	rec     *tracing.Recorder
	store   *memstore.Store
	metrics *Metrics
}

func baseConfig() Config {
	return Config{
		AgentID:            "builder",
		SessionID:          "session-1",
		MaxIterations:      5,
		CheckpointInterval: 100,
		CheckpointRetry:    fastRetry,
	}
}

func newHarness(t *testing.T, cfg Config, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{rec: &tracing.Recorder{}, store: memstore.New()}
	h.metrics = NewMetrics(prometheus.NewRegistry())
	deps := Deps{
		Checkpoints: h.store,
		Emitter:     tracing.NewEmitter(h.rec, nil),
		Invoker:     &scriptInvoker{codes: []int{1}},
		Metrics:     h.metrics,
	}
	for _, m := range mutate {
		m(&deps)
	}
	eng, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	h.eng = eng
	return h
}

// assertTerminated checks the run left the engine inactive with a final
// loop.completed or loop.error event.
func (h *harness) assertTerminated(t *testing.T) {
	t.Helper()
	assert.False(t, h.eng.State().Active)
	assert.False(t, h.eng.Running())
	types := h.rec.Types()
	require.NotEmpty(t, types)
	last := types[len(types)-1]
	assert.Contains(t, []protocol.EventType{protocol.EventLoopCompleted, protocol.EventLoopError}, last)
	for _, typ := range types[:len(types)-1] {
		assert.NotEqual(t, protocol.EventLoopCompleted, typ)
		assert.NotEqual(t, protocol.EventLoopError, typ)
	}
}

func (h *harness) eventsOf(typ protocol.EventType) []protocol.IterationEvent {
	var out []protocol.IterationEvent
	for _, ev := range h.rec.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type scriptInvoker struct {
	mu    sync.Mutex
	codes []int // consumed in order, the last one repeats
	calls int
	block bool
}

func (s *scriptInvoker) Invoke(ctx context.Context, _ conditions.Invocation) (*conditions.ToolResult, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if i >= len(s.codes) {
		i = len(s.codes) - 1
	}
	return &conditions.ToolResult{ExitCode: s.codes[i], Stdout: fmt.Sprintf("run %d", i+1)}, nil
}

func countingWork(calls *[]int) WorkFunc {
	var mu sync.Mutex
	return func(_ context.Context, iteration int, state map[string]any, _ Handle) (map[string]any, error) {
		mu.Lock()
		*calls = append(*calls, iteration)
		mu.Unlock()
		n, _ := state["count"].(int)
		return map[string]any{"count": n + 1}, nil
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no agent", func(c *Config) { c.AgentID = "" }},
		{"zero max", func(c *Config) { c.MaxIterations = 0 }},
		{"negative max", func(c *Config) { c.MaxIterations = -1 }},
		{"negative interval", func(c *Config) { c.CheckpointInterval = -2 }},
		{"negative retention", func(c *Config) { c.CheckpointRetention = -time.Hour }},
		{"negative iteration timeout", func(c *Config) { c.IterationTimeout = -time.Second }},
		{"negative run timeout", func(c *Config) { c.RunTimeout = -time.Second }},
		{"unknown condition", func(c *Config) { c.ExitConditions = []conditions.Config{{Type: "coverage"}} }},
		{"duplicate condition", func(c *Config) {
			c.ExitConditions = []conditions.Config{{Type: conditions.TypeTestsPass}, {Type: conditions.TypeTestsPass}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg, Deps{Checkpoints: memstore.New(), Emitter: tracing.NewEmitter(&tracing.Recorder{}, nil)})
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestNewRequiresReachableStoreAndEmitter(t *testing.T) {
	ctx := context.Background()
	emitter := tracing.NewEmitter(&tracing.Recorder{}, nil)

	_, err := New(ctx, baseConfig(), Deps{Emitter: emitter})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = New(ctx, baseConfig(), Deps{Checkpoints: memstore.New()})
	assert.ErrorIs(t, err, ErrConfiguration)

	down := memstore.New()
	down.SetDown(true)
	_, err = New(ctx, baseConfig(), Deps{Checkpoints: down, Emitter: emitter})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewDefaults(t *testing.T) {
	cfg := baseConfig()
	cfg.SessionID = ""
	cfg.CheckpointInterval = 0
	cfg.CheckpointRetry = cron.RetryConfig{}
	h := newHarness(t, cfg)

	assert.NotEmpty(t, h.eng.SessionID())
	assert.Equal(t, DefaultCheckpointInterval, h.eng.Config().CheckpointInterval)
	st := h.eng.State()
	assert.Equal(t, cron.DefaultRetryConfig().MaxRetries, h.eng.Config().CheckpointRetry.MaxRetries)
	assert.Equal(t, cron.DefaultRetryConfig().BaseDelay, h.eng.Config().CheckpointRetry.BaseDelay)
	assert.Equal(t, PhaseInitializing, st.Phase)
	assert.False(t, st.Active)
	assert.Equal(t, 0, st.CurrentIteration)
}

func TestRunWithoutConditionsReachesIterationLimit(t *testing.T) {
	h := newHarness(t, baseConfig())
	var calls []int

	res, err := h.eng.Run(context.Background(), countingWork(&calls))
	require.NoError(t, err)

	assert.Equal(t, OutcomeIterationLimit, res.Outcome)
	assert.Equal(t, 5, res.IterationsCompleted)
	assert.Equal(t, 5, res.MaxIterations)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, calls)
	assert.Equal(t, 5, res.State["count"])
	assert.NotEmpty(t, res.PolicyDetail)
	assert.Empty(t, res.Error)
	assert.Equal(t, PhaseCompleted, h.eng.State().Phase)
	h.assertTerminated(t)

	// Iteration numbers on the feed increase by exactly one.
	completed := h.eventsOf(protocol.EventIterationCompleted)
	require.Len(t, completed, 5)
	for i, ev := range completed {
		assert.Equal(t, i+1, ev.Iteration)
		require.NotNil(t, ev.DurationMS)
	}
	assert.Equal(t, protocol.EventLoopStarted, h.rec.Types()[0])
	assert.Equal(t, protocol.EventLoopCompleted, h.rec.Types()[len(h.rec.Types())-1])
}

func TestRunCompletesWhenTestsPassOnThirdCall(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIterations = 10
	cfg.ExitConditions = []conditions.Config{{Type: conditions.TypeTestsPass}}
	inv := &scriptInvoker{codes: []int{1, 1, 0}}
	h := newHarness(t, cfg, func(d *Deps) { d.Invoker = inv })

	var calls []int
	res, err := h.eng.Run(context.Background(), countingWork(&calls))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.IterationsCompleted)
	require.Len(t, res.Conditions, 1)
	assert.Equal(t, conditions.StateMet, res.Conditions[0].State)
	assert.Equal(t, 3, res.Conditions[0].Iteration)
	assert.Equal(t, 3, inv.calls)
	assert.Equal(t, PhaseCompleted, h.eng.State().Phase)
	h.assertTerminated(t)

	evals := h.eventsOf(protocol.EventExitConditionEvaluated)
	require.Len(t, evals, 3)
	assert.Equal(t, "not_met", evals[0].Details["status"])
	assert.Equal(t, "met", evals[2].Details["status"])
	assert.Equal(t, 1, evals[2].ConditionsMet)
	assert.Equal(t, 1, evals[2].ConditionsAll)
}

func TestCheckpointInterval(t *testing.T) {
	cfg := baseConfig()
	cfg.CheckpointInterval = 2
	h := newHarness(t, cfg)

	var calls []int
	res, err := h.eng.Run(context.Background(), countingWork(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterationLimit, res.Outcome)

	cps, err := h.eng.ListCheckpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, 2, cps[0].Iteration)
	assert.Equal(t, 4, cps[1].Iteration)
	assert.Equal(t, cps[1].ID, res.LastCheckpointID)
	assert.Equal(t, 4, h.eng.State().LastCheckpointIteration)

	saved := h.eventsOf(protocol.EventCheckpointSaved)
	require.Len(t, saved, 2)
	assert.Equal(t, 2, saved[0].Iteration)
	assert.Equal(t, 4, saved[1].Iteration)
	h.assertTerminated(t)
}

func TestIntervalLargerThanMaxNeverCheckpoints(t *testing.T) {
	h := newHarness(t, baseConfig()) // interval 100, max 5
	var calls []int
	res, err := h.eng.Run(context.Background(), countingWork(&calls))
	require.NoError(t, err)
	assert.Empty(t, res.LastCheckpointID)
	assert.Equal(t, 0, h.store.AppendCalls())
}

func TestPolicyGateDeniesAtFour(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIterations = 10

	var asked []int
	var mu sync.Mutex
	decider := policy.DeciderFunc(func(ctx context.Context, req policy.Request) (policy.Decision, error) {
		mu.Lock()
		asked = append(asked, req.CurrentIteration)
		mu.Unlock()
		return policy.NewLimitDecider(policy.NewLimits(3)).Decide(ctx, req)
	})
	gate, err := policy.NewGate(decider, policy.Config{}, nil)
	require.NoError(t, err)
	h := newHarness(t, cfg, func(d *Deps) { d.Gate = gate })

	var calls []int
	res, err := h.eng.Run(context.Background(), countingWork(&calls))
	require.NoError(t, err)

	assert.Equal(t, OutcomeIterationLimit, res.Outcome)
	assert.Equal(t, 3, res.IterationsCompleted)
	assert.Equal(t, []int{0, 1, 2}, calls)
	assert.Equal(t, []int{1, 2, 3, 4}, asked)
	assert.ErrorIs(t, res.Err, policy.ErrPolicyViolation)
	assert.Contains(t, res.PolicyDetail, "exceeds limit 3")
	assert.Equal(t, PhaseError, h.eng.State().Phase)

	violations := h.eventsOf(protocol.EventPolicyViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, 4, violations[0].Iteration)
	types := h.rec.Types()
	assert.Equal(t, protocol.EventLoopError, types[len(types)-1])
	h.assertTerminated(t)
}

func TestPolicyGateRaisedLimitAppliesMidRun(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIterations = 6
	limits := policy.NewLimits(2)
	gate, err := policy.NewGate(policy.NewLimitDecider(limits), policy.Config{}, nil)
	require.NoError(t, err)
	h := newHarness(t, cfg, func(d *Deps) { d.Gate = gate })

	work := func(_ context.Context, iteration int, _ map[string]any, _ Handle) (map[string]any, error) {
		if iteration == 1 {
			limits.Set("builder", 6)
		}
		return nil, nil
	}
	res, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterationLimit, res.Outcome)
	assert.Equal(t, 6, res.IterationsCompleted)
	assert.Empty(t, h.eventsOf(protocol.EventPolicyViolation))
}

func TestPolicyMonitorModeNeverHalts(t *testing.T) {
	gate, err := policy.NewGate(policy.NewLimitDecider(policy.NewLimits(1)), policy.Config{Mode: policy.ModeMonitor}, nil)
	require.NoError(t, err)
	h := newHarness(t, baseConfig(), func(d *Deps) { d.Gate = gate })

	var calls []int
	res, err := h.eng.Run(context.Background(), countingWork(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterationLimit, res.Outcome)
	assert.Equal(t, 5, res.IterationsCompleted)
	assert.Empty(t, h.eventsOf(protocol.EventPolicyViolation))
}

func TestPolicyDeciderFailureInEnforceMode(t *testing.T) {
	failing := policy.DeciderFunc(func(context.Context, policy.Request) (policy.Decision, error) {
		return policy.Decision{}, errors.New("decision service down")
	})
	gate, err := policy.NewGate(failing, policy.Config{}, nil)
	require.NoError(t, err)
	h := newHarness(t, baseConfig(), func(d *Deps) { d.Gate = gate })

	res, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, policy.ErrDecisionUnavailable)
	assert.Equal(t, 0, res.IterationsCompleted)
	h.assertTerminated(t)
}

func TestPolicyDeciderPanicEndsRunWithError(t *testing.T) {
	panicking := policy.DeciderFunc(func(_ context.Context, req policy.Request) (policy.Decision, error) {
		if req.CurrentIteration == 3 {
			panic("decider bug")
		}
		return policy.Decision{Allowed: true}, nil
	})
	gate, err := policy.NewGate(panicking, policy.Config{}, nil)
	require.NoError(t, err)
	h := newHarness(t, baseConfig(), func(d *Deps) { d.Gate = gate })

	res, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, policy.ErrDecisionUnavailable)
	assert.Contains(t, res.Error, "decider bug")
	assert.Equal(t, 2, res.IterationsCompleted)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.activeRuns))
	h.assertTerminated(t)

	types := h.rec.Types()
	assert.Equal(t, protocol.EventLoopError, types[len(types)-1])
}

func TestPolicyWarningEmittedOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIterations = 10
	h := newHarness(t, cfg)

	_, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	require.NoError(t, err)

	warnings := h.eventsOf(protocol.EventPolicyWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 8, warnings[0].Iteration)
	assert.Equal(t, policy.DefaultWarningThreshold, warnings[0].Details["threshold"])
}

func TestVerificationTimeoutMarksErrorAndContinues(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIterations = 2
	cfg.VerificationTimeout = 20 * time.Millisecond
	cfg.ExitConditions = []conditions.Config{{Type: conditions.TypeTestsPass}}
	h := newHarness(t, cfg, func(d *Deps) { d.Invoker = &scriptInvoker{block: true} })

	var calls []int
	res, err := h.eng.Run(context.Background(), countingWork(&calls))
	require.NoError(t, err)

	assert.Equal(t, OutcomeIterationLimit, res.Outcome)
	assert.Equal(t, []int{0, 1}, calls)
	require.Len(t, res.Conditions, 1)
	assert.Equal(t, conditions.StateError, res.Conditions[0].State)
	assert.Contains(t, res.Conditions[0].Error, conditions.ErrVerificationTimeout.Error())

	evals := h.eventsOf(protocol.EventExitConditionEvaluated)
	require.Len(t, evals, 2)
	assert.NotEmpty(t, evals[0].Error)
}

func TestReentrantRunIsRejected(t *testing.T) {
	h := newHarness(t, baseConfig())
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	work := func(_ context.Context, _ int, _ map[string]any, _ Handle) (map[string]any, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	}

	done := make(chan *Result, 1)
	go func() {
		res, err := h.eng.Run(context.Background(), work)
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	assert.True(t, h.eng.State().Active)
	res, err := h.eng.Run(context.Background(), work)
	assert.ErrorIs(t, err, ErrReentrancy)
	assert.Nil(t, res)

	close(release)
	first := <-done
	assert.Equal(t, OutcomeIterationLimit, first.Outcome)

	// The engine can run again once the first run has finished.
	_, err = h.eng.Run(context.Background(), countingWork(new([]int)))
	assert.NoError(t, err)
}

func TestStickyConditionStatus(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIterations = 3
	cfg.ExitConditions = []conditions.Config{
		{Type: conditions.TypeCustom, Name: "never", Custom: func(context.Context, conditions.EvalContext) (conditions.CustomResult, error) {
			return conditions.CustomResult{Met: false}, nil
		}},
		{Type: conditions.TypeCustom, Name: "even", Every: 2, Custom: func(_ context.Context, ec conditions.EvalContext) (conditions.CustomResult, error) {
			return conditions.CustomResult{Met: ec.Iteration == 2}, nil
		}},
	}
	h := newHarness(t, cfg)

	var seen [][]conditions.Status
	work := func(_ context.Context, _ int, _ map[string]any, hd Handle) (map[string]any, error) {
		seen = append(seen, hd.State().Conditions)
		return nil, nil
	}
	res, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)

	// Before any evaluation both are pending.
	assert.Equal(t, conditions.StatePending, seen[0][0].State)
	assert.Equal(t, conditions.StatePending, seen[0][1].State)
	// After iteration 1 "even" was not due and stays pending.
	assert.Equal(t, conditions.StateNotMet, seen[1][0].State)
	assert.Equal(t, conditions.StatePending, seen[1][1].State)
	// Iteration 3 does not re-evaluate "even", so its iteration-2 result sticks.
	require.Len(t, res.Conditions, 2)
	assert.Equal(t, conditions.StateMet, res.Conditions[1].State)
	assert.Equal(t, 2, res.Conditions[1].Iteration)
	assert.Equal(t, 3, res.Conditions[0].Iteration)
	assert.Equal(t, OutcomeIterationLimit, res.Outcome)
}

func TestSkippedConditionsDoNotBlockCompletion(t *testing.T) {
	cfg := baseConfig()
	cfg.ExitConditions = []conditions.Config{
		{Type: conditions.TypeTestsPass},
		{Type: conditions.TypeLintClean, Skip: true},
	}
	h := newHarness(t, cfg, func(d *Deps) { d.Invoker = &scriptInvoker{codes: []int{0}} })

	res, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.IterationsCompleted)
	assert.Equal(t, conditions.StateSkipped, res.Conditions[1].State)
}

func TestWorkErrorEndsRunWithBestEffortCheckpoint(t *testing.T) {
	h := newHarness(t, baseConfig())
	work := func(_ context.Context, iteration int, _ map[string]any, _ Handle) (map[string]any, error) {
		if iteration == 2 {
			return nil, errors.New("compiler crashed")
		}
		return map[string]any{"last": iteration}, nil
	}

	res, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrWorkFunction)
	assert.Contains(t, res.Error, "compiler crashed")
	assert.Equal(t, 2, res.IterationsCompleted)
	assert.NotEmpty(t, res.LastCheckpointID)

	cp, err := h.eng.LoadCheckpoint(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Iteration)
	assert.Equal(t, "error", cp.Custom["reason"])

	types := h.rec.Types()
	assert.Equal(t, protocol.EventCheckpointSaved, types[len(types)-2])
	assert.Equal(t, protocol.EventLoopError, types[len(types)-1])
	h.assertTerminated(t)
}

func TestWorkPanicIsRecovered(t *testing.T) {
	h := newHarness(t, baseConfig())
	work := func(context.Context, int, map[string]any, Handle) (map[string]any, error) {
		panic("nil map write")
	}
	res, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrWorkFunction)
	assert.Contains(t, res.Error, "nil map write")
	h.assertTerminated(t)
}

func TestIterationTimeout(t *testing.T) {
	cfg := baseConfig()
	cfg.IterationTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)

	work := func(ctx context.Context, iteration int, _ map[string]any, _ Handle) (map[string]any, error) {
		if iteration == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, nil
	}
	res, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrIterationTimeout)
	assert.Equal(t, 1, res.IterationsCompleted)
	h.assertTerminated(t)
}

func TestIterationTimeoutAbandonsStuckWork(t *testing.T) {
	cfg := baseConfig()
	cfg.IterationTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)

	release := make(chan struct{})
	defer close(release)
	work := func(context.Context, int, map[string]any, Handle) (map[string]any, error) {
		<-release
		return nil, nil
	}
	start := time.Now()
	res, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
}

func TestRunTimeout(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIterations = 1000
	cfg.RunTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	work := func(ctx context.Context, _ int, _ map[string]any, _ Handle) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil, nil
		}
	}
	res, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrRunTimeout)
	assert.Less(t, res.IterationsCompleted, 1000)
	h.assertTerminated(t)
}

func TestCancellation(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	work := func(_ context.Context, iteration int, _ map[string]any, _ Handle) (map[string]any, error) {
		if iteration == 1 {
			cancel()
		}
		return map[string]any{"seen": iteration}, nil
	}
	res, err := h.eng.Run(ctx, work)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	// Cancellation is honored after the work function returns, so its output is kept.
	assert.Equal(t, 2, res.IterationsCompleted)
	assert.Equal(t, 1, res.State["seen"])
	assert.NotEmpty(t, res.LastCheckpointID)
	h.assertTerminated(t)

	types := h.rec.Types()
	require.Equal(t, protocol.EventLoopError, types[len(types)-1])
	final := h.eventsOf(protocol.EventLoopError)[0]
	assert.Equal(t, "cancelled", final.Details["outcome"])
	assert.Empty(t, h.eventsOf(protocol.EventLoopCompleted))
}

func TestCheckpointFailureIsNonFatalByDefault(t *testing.T) {
	cfg := baseConfig()
	cfg.CheckpointInterval = 1
	h := newHarness(t, cfg)
	h.store.FailNextAppends(1000)

	res, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterationLimit, res.Outcome)
	assert.Equal(t, 5, res.IterationsCompleted)
	assert.Empty(t, res.LastCheckpointID)
	assert.Empty(t, h.eventsOf(protocol.EventCheckpointSaved))
	assert.Equal(t, float64(5), testutil.ToFloat64(h.metrics.checkpoints.WithLabelValues("builder", "failed")))
}

func TestMandatoryCheckpointFailureEndsRun(t *testing.T) {
	cfg := baseConfig()
	cfg.CheckpointInterval = 2
	cfg.MandatoryCheckpoints = true
	h := newHarness(t, cfg)
	h.store.FailNextAppends(1000)

	res, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, checkpoint.ErrPersist)
	assert.Equal(t, 2, res.IterationsCompleted)
	h.assertTerminated(t)
}

func TestCheckpointRetryKeepsSingleEntry(t *testing.T) {
	cfg := baseConfig()
	cfg.CheckpointInterval = 1
	cfg.MaxIterations = 1
	h := newHarness(t, cfg)
	h.store.FailNextAppends(1) // first attempt fails, retry succeeds

	_, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	require.NoError(t, err)
	cps, err := h.eng.ListCheckpoints(context.Background())
	require.NoError(t, err)
	assert.Len(t, cps, 1)
	assert.Equal(t, 2, h.store.AppendCalls())
}

func TestResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.MaxIterations = 4
	cfg.CheckpointInterval = 2
	sink := memstore.New()
	emitter := tracing.NewEmitter(&tracing.Recorder{}, nil)

	first, err := New(ctx, cfg, Deps{Checkpoints: sink, Emitter: emitter})
	require.NoError(t, err)
	crashing := func(_ context.Context, iteration int, state map[string]any, _ Handle) (map[string]any, error) {
		if iteration == 2 {
			return nil, errors.New("process killed")
		}
		n, _ := state["count"].(float64)
		return map[string]any{"count": n + 1}, nil
	}
	res, err := first.Run(ctx, crashing)
	require.NoError(t, err)
	require.Equal(t, OutcomeError, res.Outcome)

	second, err := New(ctx, cfg, Deps{Checkpoints: sink, Emitter: emitter})
	require.NoError(t, err)
	cp, err := second.LoadCheckpoint(ctx, cfg.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Iteration)

	var calls []int
	resumed := func(_ context.Context, iteration int, state map[string]any, _ Handle) (map[string]any, error) {
		calls = append(calls, iteration)
		n, _ := state["count"].(float64)
		return map[string]any{"count": n + 1}, nil
	}
	res, err = second.Run(ctx, resumed, WithResume(cp))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterationLimit, res.Outcome)
	assert.Equal(t, []int{2, 3}, calls)
	assert.Equal(t, 4, res.IterationsCompleted)
	assert.Equal(t, float64(4), res.State["count"])
}

func TestResumeRejectsForeignCheckpoint(t *testing.T) {
	h := newHarness(t, baseConfig())
	_, err := h.eng.Run(context.Background(), countingWork(new([]int)), WithResume(&checkpoint.Checkpoint{SessionID: "someone-else"}))
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.False(t, h.eng.Running())
}

func TestLoadCheckpointCorruptAndMissing(t *testing.T) {
	h := newHarness(t, baseConfig())
	_, err := h.eng.LoadCheckpoint(context.Background(), "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	h.store.PutRaw(store.CheckpointRecord{
		CheckpointID: "cp-bad",
		SessionID:    "session-1",
		AgentID:      "builder",
		Sequence:     1,
		Payload:      []byte(`{"version":1,"checksum":"sha256:00","checkpoint":{}}`),
		CreatedAt:    time.Now(),
	})
	_, err = h.eng.LoadCheckpoint(context.Background(), "")
	assert.ErrorIs(t, err, checkpoint.ErrCorrupt)
}

func TestStateCheckpointRoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	code := 0
	st := State{
		SessionID:        "s",
		AgentID:          "a",
		CurrentIteration: 6,
		MaxIterations:    10,
		Phase:            PhaseSavingCheckpoint,
		StartedAt:        at,
		LastIterationAt:  at.Add(time.Minute),
		Conditions: []conditions.Status{
			{Name: "tests_pass", Type: conditions.TypeTestsPass, State: conditions.StateMet, ExitCode: &code, EvaluatedAt: &at, Iteration: 6},
		},
		Active: true,
		Data:   map[string]any{"files": []any{"a.go", "b.go"}, "nested": map[string]any{"k": "v"}},
	}

	cp := st.ToCheckpoint(map[string]any{"note": "x"})
	cp.ID = "cp-6"
	cp.CreatedAt = at.Add(2 * time.Minute)
	back := StateFromCheckpoint(&cp)

	assert.False(t, back.Active)
	assert.Equal(t, PhaseRunning, back.Phase)
	assert.Equal(t, 6, back.LastCheckpointIteration)
	assert.Equal(t, "cp-6", back.LastCheckpointID)

	back.Active, back.Phase = st.Active, st.Phase
	back.LastCheckpointIteration, back.LastCheckpointID, back.LastCheckpointAt = 0, "", time.Time{}
	assert.Equal(t, st, back)

	// The snapshot shares nothing with the source state.
	st.Data["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", cp.State["nested"].(map[string]any)["k"])
}

func TestSnapshotsAreDeepCopies(t *testing.T) {
	h := newHarness(t, baseConfig())
	work := func(_ context.Context, _ int, state map[string]any, _ Handle) (map[string]any, error) {
		state["scribble"] = true // local copy only
		return map[string]any{"list": []any{"x"}}, nil
	}
	_, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)

	st := h.eng.State()
	_, leaked := st.Data["scribble"]
	assert.False(t, leaked)

	st.Data["list"].([]any)[0] = "mutated"
	assert.Equal(t, "x", h.eng.State().Data["list"].([]any)[0])
}

func TestWorkFunctionHandle(t *testing.T) {
	h := newHarness(t, baseConfig())
	var saved *checkpoint.Checkpoint
	work := func(ctx context.Context, iteration int, _ map[string]any, hd Handle) (map[string]any, error) {
		if iteration == 1 {
			assert.NoError(t, hd.EmitEvent(ctx, "progress", map[string]any{"pct": 40}))
			cp, err := hd.SaveCheckpoint(ctx, map[string]any{"manual": true})
			if !assert.NoError(t, err) {
				return nil, err
			}
			saved = cp
			latest, err := hd.LoadCheckpoint(ctx, "")
			if assert.NoError(t, err) {
				assert.Equal(t, cp.ID, latest.ID)
			}
		}
		return nil, nil
	}
	_, err := h.eng.Run(context.Background(), work)
	require.NoError(t, err)

	require.NotNil(t, saved)
	assert.Equal(t, true, saved.Custom["manual"])
	custom := h.eventsOf("custom.progress")
	require.Len(t, custom, 1)
	assert.Equal(t, 40, custom[0].Details["pct"])
	assert.Error(t, h.eng.EmitEvent(context.Background(), string(protocol.EventLoopCompleted), nil))
}

func TestInitialState(t *testing.T) {
	h := newHarness(t, baseConfig())
	var firstSeen any
	work := func(_ context.Context, iteration int, state map[string]any, _ Handle) (map[string]any, error) {
		if iteration == 0 {
			firstSeen = state["goal"]
		}
		return nil, nil
	}
	_, err := h.eng.Run(context.Background(), work, WithInitialState(map[string]any{"goal": "green build"}))
	require.NoError(t, err)
	assert.Equal(t, "green build", firstSeen)
}

func TestRunRequiresWork(t *testing.T) {
	h := newHarness(t, baseConfig())
	_, err := h.eng.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, baseConfig())
	_, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.outcomes.WithLabelValues("builder", "iteration_limit")))
	assert.Equal(t, float64(5), testutil.ToFloat64(h.metrics.iterations.WithLabelValues("builder")))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.activeRuns))
}

func TestConcurrentStateReads(t *testing.T) {
	h := newHarness(t, baseConfig())
	var stop atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				st := h.eng.State()
				if st.CurrentIteration > st.MaxIterations || st.LastCheckpointIteration > st.CurrentIteration {
					t.Errorf("invariant broken: %+v", st)
					return
				}
				_ = h.eng.ConditionStatuses()
			}
		}()
	}
	_, err := h.eng.Run(context.Background(), countingWork(new([]int)))
	stop.Store(true)
	wg.Wait()
	require.NoError(t, err)
}

func TestPruneCheckpoints(t *testing.T) {
	cfg := baseConfig()
	h := newHarness(t, cfg)
	n, err := h.eng.PruneCheckpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "zero retention disables pruning")
}
