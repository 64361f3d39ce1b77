package policy

import (
	"fmt"
	"time"
)

// Mode selects whether denials halt execution.
type Mode string

const (
	// ModeEnforce halts the loop on a denial.
	ModeEnforce Mode = "enforce"
	// ModeMonitor logs denials and lets the loop continue.
	ModeMonitor Mode = "monitor"
)

const (
	DefaultWarningThreshold = 0.8
	MinWarningThreshold     = 0.5
	MaxWarningThreshold     = 0.95
	DefaultDecisionTimeout  = 5 * time.Second
	DefaultMaxIterations    = 50
)

// Config shapes how the gate calls its decider.
type Config struct {
	DefaultMaxIterations int           `json:"default_max_iterations" yaml:"default_max_iterations"`
	WarningThreshold     float64       `json:"warning_threshold" yaml:"warning_threshold"`
	Mode                 Mode          `json:"mode" yaml:"mode"`
	DecisionTimeout      time.Duration `json:"decision_timeout" yaml:"decision_timeout"`
}

// DefaultConfig returns an enforcing config with the standard warning threshold.
func DefaultConfig() Config {
	return Config{
		DefaultMaxIterations: DefaultMaxIterations,
		WarningThreshold:     DefaultWarningThreshold,
		Mode:                 ModeEnforce,
		DecisionTimeout:      DefaultDecisionTimeout,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.DefaultMaxIterations == 0 {
		c.DefaultMaxIterations = d.DefaultMaxIterations
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = d.WarningThreshold
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.DecisionTimeout == 0 {
		c.DecisionTimeout = d.DecisionTimeout
	}
	return c
}

// Validate checks bounds.
func (c Config) Validate() error {
	if c.WarningThreshold < MinWarningThreshold || c.WarningThreshold > MaxWarningThreshold {
		return fmt.Errorf("warning threshold %.2f outside [%.2f, %.2f]", c.WarningThreshold, MinWarningThreshold, MaxWarningThreshold)
	}
	switch c.Mode {
	case ModeEnforce, ModeMonitor:
	default:
		return fmt.Errorf("unknown policy mode %q", c.Mode)
	}
	if c.DefaultMaxIterations < 1 {
		return fmt.Errorf("default max iterations must be >= 1, got %d", c.DefaultMaxIterations)
	}
	if c.DecisionTimeout <= 0 {
		return fmt.Errorf("decision timeout must be positive")
	}
	return nil
}
