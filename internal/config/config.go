// Package config loads the goloop configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/cron"
	"github.com/nextlevelbuilder/goloop/internal/policy"
	"github.com/nextlevelbuilder/goloop/internal/store"
)

// Config is the root configuration for the goloop CLI.
type Config struct {
	Agent      AgentConfig         `json:"agent" yaml:"agent"`
	Loop       LoopConfig          `json:"loop" yaml:"loop"`
	Conditions []conditions.Config `json:"exit_conditions" yaml:"exit_conditions"`
	Policy     PolicyConfig        `json:"policy" yaml:"policy"`
	Database   DatabaseConfig      `json:"database" yaml:"database"`
	Telemetry  TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Metrics    MetricsConfig       `json:"metrics" yaml:"metrics"`
	Log        LogConfig           `json:"log" yaml:"log"`
}

// AgentConfig describes the command the CLI runs once per iteration.
type AgentConfig struct {
	ID      string            `json:"id" yaml:"id"`
	Command string            `json:"command" yaml:"command"`
	WorkDir string            `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// OutputTail is how many bytes of command output are kept in loop state.
	OutputTail int `json:"output_tail,omitempty" yaml:"output_tail,omitempty"`
}

type LoopConfig struct {
	MaxIterations        int      `json:"max_iterations" yaml:"max_iterations"`
	CheckpointInterval   int      `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	IterationTimeout     Duration `json:"iteration_timeout,omitempty" yaml:"iteration_timeout,omitempty"`
	VerificationTimeout  Duration `json:"verification_timeout,omitempty" yaml:"verification_timeout,omitempty"`
	StoreTimeout         Duration `json:"store_timeout,omitempty" yaml:"store_timeout,omitempty"`
	RunTimeout           Duration `json:"run_timeout,omitempty" yaml:"run_timeout,omitempty"`
	MandatoryCheckpoints bool     `json:"mandatory_checkpoints,omitempty" yaml:"mandatory_checkpoints,omitempty"`
	CheckpointRetries    int      `json:"checkpoint_retries,omitempty" yaml:"checkpoint_retries,omitempty"`
	// CheckpointRetention enables the retention janitor when positive.
	CheckpointRetention Duration `json:"checkpoint_retention,omitempty" yaml:"checkpoint_retention,omitempty"`
	// PruneSchedule is a cron expression or a duration such as "1h".
	PruneSchedule string `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"`
}

// PolicyConfig selects the decider behind the iteration gate.
type PolicyConfig struct {
	// Decider is "limit" (default), "cel" or "http".
	Decider          string         `json:"decider,omitempty" yaml:"decider,omitempty"`
	Mode             string         `json:"mode,omitempty" yaml:"mode,omitempty"`
	WarningThreshold float64        `json:"warning_threshold,omitempty" yaml:"warning_threshold,omitempty"`
	DecisionTimeout  Duration       `json:"decision_timeout,omitempty" yaml:"decision_timeout,omitempty"`
	DefaultLimit     int            `json:"default_limit,omitempty" yaml:"default_limit,omitempty"`
	Agents           map[string]int `json:"agents,omitempty" yaml:"agents,omitempty"`

	Expression        string  `json:"expression,omitempty" yaml:"expression,omitempty"`
	URL               string  `json:"url,omitempty" yaml:"url,omitempty"`
	Token             string  `json:"token,omitempty" yaml:"token,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

type DatabaseConfig struct {
	Driver        string `json:"driver,omitempty" yaml:"driver,omitempty"`
	PostgresDSN   string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	SQLitePath    string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	BadgerDir     string `json:"badger_dir,omitempty" yaml:"badger_dir,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

type TelemetryConfig struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Endpoint      string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol      string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Insecure      bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName   string            `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	FlushInterval Duration          `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	BufferSize    int               `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9464".
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "text" or "json"
}

const (
	DefaultOutputTail    = 2048
	DefaultPruneSchedule = "0 * * * *"
	DefaultSQLitePath    = "~/.goloop/goloop.db"
)

// Default returns a configuration that runs standalone against SQLite.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{ID: DefaultAgentID, OutputTail: DefaultOutputTail},
		Loop: LoopConfig{
			MaxIterations:      policy.DefaultMaxIterations,
			CheckpointInterval: 1,
			PruneSchedule:      DefaultPruneSchedule,
		},
		Policy:   PolicyConfig{Decider: "limit", Mode: string(policy.ModeEnforce)},
		Database: DatabaseConfig{Driver: "sqlite", SQLitePath: DefaultSQLitePath},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the fields the CLI cannot default.
func (c *Config) Validate() error {
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be >= 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.CheckpointInterval < 1 {
		return fmt.Errorf("loop.checkpoint_interval must be >= 1, got %d", c.Loop.CheckpointInterval)
	}
	if c.Loop.CheckpointRetries < 0 {
		return fmt.Errorf("loop.checkpoint_retries must not be negative")
	}
	for name, d := range map[string]Duration{
		"loop.iteration_timeout":    c.Loop.IterationTimeout,
		"loop.verification_timeout": c.Loop.VerificationTimeout,
		"loop.store_timeout":        c.Loop.StoreTimeout,
		"loop.run_timeout":          c.Loop.RunTimeout,
		"loop.checkpoint_retention": c.Loop.CheckpointRetention,
		"policy.decision_timeout":   c.Policy.DecisionTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Loop.CheckpointRetention > 0 {
		if _, err := c.PruneSchedule(); err != nil {
			return err
		}
	}
	for _, ec := range c.Conditions {
		if ec.Type == conditions.TypeCustom && !ec.Skip {
			return fmt.Errorf("exit condition %q: custom conditions cannot be configured from a file", ec.DisplayName())
		}
		if err := ec.Validate(); err != nil {
			return err
		}
	}
	if err := c.GatePolicy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	switch c.Policy.Decider {
	case "", "limit":
	case "cel":
		if c.Policy.Expression == "" {
			return fmt.Errorf("policy.expression is required for the cel decider")
		}
	case "http":
		if c.Policy.URL == "" {
			return fmt.Errorf("policy.url is required for the http decider")
		}
	default:
		return fmt.Errorf("policy.decider %q is not one of limit, cel, http", c.Policy.Decider)
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres", "redis", "badger", "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("database.postgres_dsn is required for the postgres driver")
	}
	if c.Database.Driver == "redis" && c.Database.RedisAddr == "" {
		return fmt.Errorf("database.redis_addr is required for the redis driver")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// GatePolicy converts the policy section into a gate configuration.
func (c *Config) GatePolicy() policy.Config {
	return policy.Config{
		DefaultMaxIterations: c.Loop.MaxIterations,
		WarningThreshold:     c.Policy.WarningThreshold,
		Mode:                 policy.Mode(c.Policy.Mode),
		DecisionTimeout:      c.Policy.DecisionTimeout.Std(),
	}.WithDefaults()
}

// StoreConfig converts the database section with home directories expanded.
func (c *Config) StoreConfig() store.StoreConfig {
	return store.StoreConfig{
		Driver:        c.Database.Driver,
		PostgresDSN:   c.Database.PostgresDSN,
		SQLitePath:    ExpandHome(c.Database.SQLitePath),
		RedisAddr:     c.Database.RedisAddr,
		RedisPassword: c.Database.RedisPassword,
		RedisDB:       c.Database.RedisDB,
		BadgerDir:     ExpandHome(c.Database.BadgerDir),
		KeyPrefix:     c.Database.KeyPrefix,
	}
}

// CheckpointRetry returns the retry policy for checkpoint saves.
func (c *Config) CheckpointRetry() cron.RetryConfig {
	r := cron.DefaultRetryConfig()
	if c.Loop.CheckpointRetries > 0 {
		r.MaxRetries = c.Loop.CheckpointRetries
	}
	return r
}

// PruneSchedule parses loop.prune_schedule. A value that parses as a
// duration runs on a fixed interval; anything else is a cron expression.
func (c *Config) PruneSchedule() (cron.Schedule, error) {
	expr := strings.TrimSpace(c.Loop.PruneSchedule)
	if expr == "" {
		expr = DefaultPruneSchedule
	}
	var s cron.Schedule
	if d, err := time.ParseDuration(expr); err == nil {
		s = cron.Schedule{Kind: "every", Every: d}
	} else {
		s = cron.Schedule{Kind: "cron", Expr: expr}
	}
	if err := s.Validate(); err != nil {
		return cron.Schedule{}, fmt.Errorf("loop.prune_schedule: %w", err)
	}
	return s, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
