// Package bootstrap opens the storage backends named in the configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/goloop/internal/store"
	badgerstore "github.com/nextlevelbuilder/goloop/internal/store/badger"
	"github.com/nextlevelbuilder/goloop/internal/store/file"
	"github.com/nextlevelbuilder/goloop/internal/store/memstore"
	"github.com/nextlevelbuilder/goloop/internal/store/pg"
	redisstore "github.com/nextlevelbuilder/goloop/internal/store/redis"
)

// OpenStores opens the checkpoint store (and the event store where the
// backend has one) for cfg. There is no fallback: an unreachable backend is
// an error.
func OpenStores(ctx context.Context, cfg store.StoreConfig, logger *slog.Logger) (*store.Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch driver := cfg.DriverName(); driver {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			return nil, fmt.Errorf("sqlite driver requires a database path")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		s, err := file.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return &store.Stores{Checkpoints: s, Events: s}, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		db, err := pg.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return &store.Stores{
			Checkpoints: pg.NewPGCheckpointStore(db),
			Events:      pg.NewPGEventStore(db),
		}, nil

	case "redis":
		s, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix(),
		})
		if err != nil {
			return nil, err
		}
		return &store.Stores{Checkpoints: s}, nil

	case "badger":
		if cfg.BadgerDir == "" {
			return nil, fmt.Errorf("badger driver requires a data directory")
		}
		bc := badgerstore.DefaultConfig(cfg.BadgerDir)
		bc.Prefix = cfg.Prefix()
		bc.Logger = logger
		s, err := badgerstore.Open(bc)
		if err != nil {
			return nil, err
		}
		return &store.Stores{Checkpoints: s}, nil

	case "memory":
		logger.Warn("using in-memory store: checkpoints are lost when the process exits")
		s := memstore.New()
		return &store.Stores{Checkpoints: s, Events: s}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
