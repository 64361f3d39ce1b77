package conditions

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type is the closed set of exit-condition kinds.
type Type string

const (
	TypeTestsPass         Type = "tests_pass"
	TypeBuildSucceeds     Type = "build_succeeds"
	TypeLintClean         Type = "lint_clean"
	TypeSecurityScanClean Type = "security_scan_clean"
	TypeCustom            Type = "custom"
)

// Types lists every condition kind in a stable order.
var Types = []Type{TypeTestsPass, TypeBuildSucceeds, TypeLintClean, TypeSecurityScanClean, TypeCustom}

// ParseType accepts the canonical names as well as hyphenated spellings ("tests-pass").
func ParseType(s string) (Type, error) {
	t := Type(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.Valid() {
		return "", fmt.Errorf("unknown exit condition type %q", s)
	}
	return t, nil
}

// Valid reports whether t is a member of the closed set.
func (t Type) Valid() bool {
	switch t {
	case TypeTestsPass, TypeBuildSucceeds, TypeLintClean, TypeSecurityScanClean, TypeCustom:
		return true
	}
	return false
}

// State is the evaluation status of one condition.
type State string

const (
	StatePending State = "pending"
	StateMet     State = "met"
	StateNotMet  State = "not_met"
	StateError   State = "error"
	StateSkipped State = "skipped"
)

// CustomResult is what caller-supplied evaluation logic reports.
type CustomResult struct {
	Met      bool
	Output   string
	ExitCode int
}

// CustomFunc is caller-supplied evaluation logic for TypeCustom conditions.
// It receives a context bounded by the verification timeout.
type CustomFunc func(ctx context.Context, ec EvalContext) (CustomResult, error)

// Config describes one exit condition.
type Config struct {
	Type Type   `json:"type" yaml:"type"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Tool overrides the default command line for the type. Parsed as shell words.
	Tool string   `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Every evaluates the condition only on iterations divisible by Every (default 1).
	Every int `json:"every,omitempty" yaml:"every,omitempty"`
	// Skip reports the condition as skipped and leaves it out of the completion decision.
	Skip bool `json:"skip,omitempty" yaml:"skip,omitempty"`

	Custom CustomFunc `json:"-" yaml:"-"`
}

// DisplayName returns Name, falling back to the type.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Type)
}

// Validate checks the config against the closed type set.
func (c Config) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("exit condition %q: unknown type %q", c.DisplayName(), c.Type)
	}
	if c.Type == TypeCustom && c.Custom == nil && !c.Skip {
		return fmt.Errorf("exit condition %q: custom type requires evaluation logic", c.DisplayName())
	}
	if c.Every < 0 {
		return fmt.Errorf("exit condition %q: every must be >= 0", c.DisplayName())
	}
	return nil
}

// Due reports whether the condition should be evaluated on 1-based iteration n.
func (c Config) Due(n int) bool {
	if c.Every <= 1 {
		return true
	}
	return n%c.Every == 0
}

// Status is the mutable evaluation record of one condition during a run.
type Status struct {
	Name        string     `json:"name"`
	Type        Type       `json:"type"`
	State       State      `json:"status"`
	Tool        string     `json:"tool,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Output      string     `json:"output,omitempty"`
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
	Iteration   int        `json:"iteration,omitempty"`
}

// NewStatus returns the pending status a run starts with.
func NewStatus(c Config) Status {
	return Status{Name: c.DisplayName(), Type: c.Type, State: StatePending}
}

// Met reports whether the condition is satisfied.
func (s Status) Met() bool { return s.State == StateMet }

// Clone returns a copy that shares no pointers with s.
func (s Status) Clone() Status {
	out := s
	if s.ExitCode != nil {
		v := *s.ExitCode
		out.ExitCode = &v
	}
	if s.EvaluatedAt != nil {
		v := *s.EvaluatedAt
		out.EvaluatedAt = &v
	}
	return out
}

// CloneAll deep-copies a status slice.
func CloneAll(in []Status) []Status {
	if in == nil {
		return nil
	}
	out := make([]Status, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

// Summary counts met conditions among those that take part in the completion decision.
func Summary(statuses []Status) (met, total int) {
	for _, s := range statuses {
		if s.State == StateSkipped {
			continue
		}
		total++
		if s.Met() {
			met++
		}
	}
	return met, total
}

// AllMet reports whether at least one condition participates and every participant is met.
func AllMet(statuses []Status) bool {
	met, total := Summary(statuses)
	return total > 0 && met == total
}

// EvalContext is passed to tools and custom logic.
type EvalContext struct {
	SessionID string
	AgentID   string
	Iteration int
	WorkDir   string
	State     map[string]any
}
