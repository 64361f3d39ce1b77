package loop

import (
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/cron"
	"github.com/nextlevelbuilder/goloop/internal/store"
)

const (
	DefaultCheckpointInterval  = 1
	DefaultIterationTimeout    = 10 * time.Minute
	DefaultVerificationTimeout = conditions.DefaultTimeout
	DefaultStoreTimeout        = 10 * time.Second
)

// Config is immutable for the lifetime of an engine.
type Config struct {
	AgentID   string
	SessionID string // generated when empty

	MaxIterations       int
	CheckpointInterval  int
	CheckpointRetention time.Duration
	ExitConditions      []conditions.Config

	IterationTimeout    time.Duration
	VerificationTimeout time.Duration
	StoreTimeout        time.Duration
	// RunTimeout bounds the whole run when positive.
	RunTimeout time.Duration

	// MandatoryCheckpoints turns a failed interval save into a run error.
	MandatoryCheckpoints bool
	CheckpointRetry      cron.RetryConfig

	// WorkDir is handed to verification tools.
	WorkDir  string
	Metadata map[string]any
}

// withDefaults fills unset durations and the checkpoint interval.
func (c Config) withDefaults() Config {
	if c.SessionID == "" {
		c.SessionID = store.GenNewID().String()
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.IterationTimeout == 0 {
		c.IterationTimeout = DefaultIterationTimeout
	}
	if c.VerificationTimeout == 0 {
		c.VerificationTimeout = DefaultVerificationTimeout
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.CheckpointRetry.IsZero() {
		c.CheckpointRetry = cron.DefaultRetryConfig()
	}
	return c
}

// Validate checks bounds. A checkpoint interval larger than MaxIterations is
// legal and means the run never checkpoints on interval.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrConfiguration)
	}
	if err := store.ValidateSessionID(c.SessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be >= 1, got %d", ErrConfiguration, c.MaxIterations)
	}
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("%w: checkpoint interval must be >= 1, got %d", ErrConfiguration, c.CheckpointInterval)
	}
	if c.CheckpointRetention < 0 {
		return fmt.Errorf("%w: checkpoint retention must not be negative", ErrConfiguration)
	}
	for name, d := range map[string]time.Duration{
		"iteration timeout":    c.IterationTimeout,
		"verification timeout": c.VerificationTimeout,
		"store timeout":        c.StoreTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrConfiguration, name)
		}
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("%w: run timeout must not be negative", ErrConfiguration)
	}
	if c.CheckpointRetry.MaxRetries < 0 {
		return fmt.Errorf("%w: checkpoint retries must not be negative", ErrConfiguration)
	}
	seen := make(map[string]bool, len(c.ExitConditions))
	for _, ec := range c.ExitConditions {
		if err := ec.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		name := ec.DisplayName()
		if seen[name] {
			return fmt.Errorf("%w: duplicate exit condition %q", ErrConfiguration, name)
		}
		seen[name] = true
	}
	return nil
}
