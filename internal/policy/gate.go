// Package policy decides whether each loop iteration may proceed.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Request is what a decider is asked for each iteration.
type Request struct {
	AgentID          string `json:"agent"`
	CurrentIteration int    `json:"current_iteration"`
	MaxIterations    int    `json:"max_iterations"`
}

// Decision is a decider's answer.
type Decision struct {
	Allowed bool   `json:"allow"`
	Reason  string `json:"reason,omitempty"`
	// Limit is the ceiling the decider compared against, when it has one.
	Limit int `json:"limit,omitempty"`
	// Overridden is set when a monitoring gate let a denied or failed decision through.
	Overridden bool `json:"overridden,omitempty"`
}

// Decider is the external authority consulted before every iteration.
// Implementations must be safe for concurrent use.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req Request) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, req Request) (Decision, error) { return f(ctx, req) }

// Gate wraps a Decider with mode, threshold and timeout handling.
type Gate struct {
	decider Decider
	cfg     atomic.Pointer[Config]
	logger  *slog.Logger
}

// NewGate validates cfg and returns a gate over decider.
func NewGate(decider Decider, cfg Config, logger *slog.Logger) (*Gate, error) {
	if decider == nil {
		return nil, fmt.Errorf("policy: decider is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{decider: decider, logger: logger}
	g.cfg.Store(&cfg)
	return g, nil
}

// Config returns the active configuration.
func (g *Gate) Config() Config { return *g.cfg.Load() }

// WarningThreshold returns the fraction of max iterations at which warnings start.
func (g *Gate) WarningThreshold() float64 { return g.cfg.Load().WarningThreshold }

// Mode returns the enforcement mode.
func (g *Gate) Mode() Mode { return g.cfg.Load().Mode }

// Update swaps the configuration atomically. Calls already in flight finish
// under the old configuration.
func (g *Gate) Update(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	old := g.cfg.Swap(&cfg)
	if old.Mode != cfg.Mode || old.WarningThreshold != cfg.WarningThreshold {
		g.logger.Info("policy: gate updated", "mode", cfg.Mode, "warning_threshold", cfg.WarningThreshold)
	}
	return nil
}

// CheckAllowed asks the decider whether iteration current of max may run.
// In enforce mode a denial returns ErrPolicyViolation and a decider failure
// returns ErrDecisionUnavailable. In monitor mode both are logged and the
// returned decision is allowed with Overridden set.
func (g *Gate) CheckAllowed(ctx context.Context, agentID string, current, max int) (Decision, error) {
	cfg := g.cfg.Load()
	ctx, cancel := context.WithTimeout(ctx, cfg.DecisionTimeout)
	defer cancel()

	req := Request{AgentID: agentID, CurrentIteration: current, MaxIterations: max}
	d, err := g.decide(ctx, req)
	if err != nil {
		if cfg.Mode == ModeMonitor {
			g.logger.Warn("policy: decider failed, monitor mode continues",
				"agent", agentID, "iteration", current, "error", err)
			return Decision{Allowed: true, Reason: err.Error(), Overridden: true}, nil
		}
		return Decision{Reason: err.Error()}, fmt.Errorf("%w: iteration %d: %v", ErrDecisionUnavailable, current, err)
	}

	if d.Allowed {
		return d, nil
	}
	if cfg.Mode == ModeMonitor {
		g.logger.Warn("policy: iteration would be denied",
			"agent", agentID, "iteration", current, "max", max, "limit", d.Limit, "reason", d.Reason)
		d.Allowed = true
		d.Overridden = true
		return d, nil
	}
	g.logger.Info("policy: iteration denied",
		"agent", agentID, "iteration", current, "max", max, "limit", d.Limit, "reason", d.Reason)
	return d, fmt.Errorf("%w: iteration %d denied: %s", ErrPolicyViolation, current, d.Reason)
}

// decide calls the decider, turning a panic into an error.
func (g *Gate) decide(ctx context.Context, req Request) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("policy: decider panicked", "agent", req.AgentID, "iteration", req.CurrentIteration, "panic", r)
			d, err = Decision{}, fmt.Errorf("decider panic: %v", r)
		}
	}()
	return g.decider.Decide(ctx, req)
}

// ShouldWarn reports whether iteration current has reached the warning threshold of max.
func (g *Gate) ShouldWarn(current, max int) bool {
	if max <= 0 {
		return false
	}
	return float64(current) >= g.WarningThreshold()*float64(max)
}
