package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/goloop/internal/bootstrap"
	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
	"github.com/nextlevelbuilder/goloop/internal/config"
	"github.com/nextlevelbuilder/goloop/internal/policy"
	"github.com/nextlevelbuilder/goloop/internal/store"
)

// openCheckpoints opens the configured backend and wraps it in the
// checkpoint codec. The caller closes the returned stores.
func openCheckpoints(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Stores, *checkpoint.Store, error) {
	stores, err := bootstrap.OpenStores(ctx, cfg.StoreConfig(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	cps, err := checkpoint.NewStore(stores.Checkpoints,
		checkpoint.WithLogger(logger),
		checkpoint.WithOpTimeout(cfg.Loop.StoreTimeout.Std()),
		checkpoint.WithRetry(cfg.CheckpointRetry()),
	)
	if err != nil {
		stores.Close()
		return nil, nil, err
	}
	return stores, cps, nil
}

// buildDecider returns the decider named by policy.decider.
func buildDecider(cfg config.PolicyConfig, limits *policy.Limits) (policy.Decider, error) {
	switch cfg.Decider {
	case "cel":
		return policy.NewCELDecider(cfg.Expression, limits)
	case "http":
		return policy.NewHTTPDecider(policy.HTTPDeciderOptions{
			URL:               cfg.URL,
			Token:             cfg.Token,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
	default:
		return policy.NewLimitDecider(limits), nil
	}
}
