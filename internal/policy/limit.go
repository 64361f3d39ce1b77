package policy

import (
	"context"
	"fmt"
	"sync"
)

// LimitSource supplies the current iteration ceiling for an agent.
// It is read on every decision, so updates apply to running loops.
type LimitSource interface {
	Limit(agentID string) int
}

// Limits is a mutable LimitSource with a default and per-agent overrides.
type Limits struct {
	mu       sync.RWMutex
	def      int
	perAgent map[string]int
}

// NewLimits creates a source where every agent gets def.
func NewLimits(def int) *Limits {
	return &Limits{def: def, perAgent: make(map[string]int)}
}

// Limit returns the agent's override or the default.
func (l *Limits) Limit(agentID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n, ok := l.perAgent[agentID]; ok {
		return n
	}
	return l.def
}

// Set overrides the limit for one agent.
func (l *Limits) Set(agentID string, n int) {
	l.mu.Lock()
	l.perAgent[agentID] = n
	l.mu.Unlock()
}

// Replace swaps the default and all overrides at once.
func (l *Limits) Replace(def int, perAgent map[string]int) {
	m := make(map[string]int, len(perAgent))
	for k, v := range perAgent {
		m[k] = v
	}
	l.mu.Lock()
	l.def = def
	l.perAgent = m
	l.mu.Unlock()
}

// LimitDecider allows iteration N while N is within the source's limit.
// A limit of zero or less means no limit.
type LimitDecider struct {
	Source LimitSource
}

// NewLimitDecider returns a decider over src.
func NewLimitDecider(src LimitSource) *LimitDecider {
	return &LimitDecider{Source: src}
}

func (d *LimitDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	limit := d.Source.Limit(req.AgentID)
	if limit <= 0 {
		return Decision{Allowed: true, Reason: "no limit configured"}, nil
	}
	if req.CurrentIteration > limit {
		return Decision{
			Allowed: false,
			Limit:   limit,
			Reason:  fmt.Sprintf("iteration %d exceeds limit %d", req.CurrentIteration, limit),
		}, nil
	}
	return Decision{Allowed: true, Limit: limit}, nil
}
