package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "GOLOOP_"

// Load reads path on top of Default, then applies GOLOOP_* environment
// overrides. Files ending in .yaml or .yml are YAML; anything else is JSON5.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Agent.ID = NormalizeAgentID(cfg.Agent.ID)
	if cfg.Agent.OutputTail <= 0 {
		cfg.Agent.OutputTail = DefaultOutputTail
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json5.Unmarshal(data, cfg)
	}
}

// applyEnv overrides the settings most often changed per environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, key, v)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.parse(v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		return nil
	}

	str("AGENT_ID", &cfg.Agent.ID)
	str("AGENT_COMMAND", &cfg.Agent.Command)
	str("WORK_DIR", &cfg.Agent.WorkDir)
	str("DB_DRIVER", &cfg.Database.Driver)
	str("POSTGRES_DSN", &cfg.Database.PostgresDSN)
	str("SQLITE_PATH", &cfg.Database.SQLitePath)
	str("REDIS_ADDR", &cfg.Database.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Database.RedisPassword)
	str("BADGER_DIR", &cfg.Database.BadgerDir)
	str("POLICY_MODE", &cfg.Policy.Mode)
	str("POLICY_URL", &cfg.Policy.URL)
	str("POLICY_TOKEN", &cfg.Policy.Token)
	str("OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	for key, dst := range map[string]*int{
		"MAX_ITERATIONS":      &cfg.Loop.MaxIterations,
		"CHECKPOINT_INTERVAL": &cfg.Loop.CheckpointInterval,
		"REDIS_DB":            &cfg.Database.RedisDB,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*Duration{
		"ITERATION_TIMEOUT": &cfg.Loop.IterationTimeout,
		"RUN_TIMEOUT":       &cfg.Loop.RunTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if cfg.Telemetry.Endpoint != "" {
		if _, set := lookup(EnvPrefix + "OTEL_ENDPOINT"); set {
			cfg.Telemetry.Enabled = true
		}
	}
	return nil
}
