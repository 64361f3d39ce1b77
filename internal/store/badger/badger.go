// Package badger implements store.CheckpointStore on an embedded BadgerDB.
//
// Keys are "<prefix>/cp/<session>/<zero-padded sequence>", so a reverse
// prefix scan yields the latest checkpoint and a forward scan yields history.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nextlevelbuilder/goloop/internal/store"
)

// Config configures the Badger database.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in memory. Intended for tests.
	InMemory bool

	// SyncWrites fsyncs every write. Checkpoints need it; tests usually do not.
	SyncWrites bool

	// Prefix namespaces keys when the database is shared.
	Prefix string

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store implements store.CheckpointStore.
type Store struct {
	db     *badger.DB
	prefix string
	closed bool
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "goloop"
	}
	slog.Info("checkpoint store opened", "driver", "badger", "path", cfg.Path, "in_memory", cfg.InMemory)
	return &Store{db: db, prefix: prefix}, nil
}

func (s *Store) allPrefix() []byte {
	return []byte(s.prefix + "/cp/")
}

func (s *Store) sessionPrefix(sessionID string) []byte {
	return []byte(s.prefix + "/cp/" + sessionID + "/")
}

func (s *Store) key(sessionID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s/cp/%s/%020d", s.prefix, sessionID, seq))
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return ctx.Err()
}

func (s *Store) AppendCheckpoint(ctx context.Context, rec store.CheckpointRecord) (string, error) {
	k := s.key(rec.SessionID, rec.Sequence)
	rec.StoreID = string(k)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(k, data)
	})
	if err != nil {
		return "", fmt.Errorf("badger append checkpoint: %w", err)
	}
	return rec.StoreID, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*store.CheckpointRecord, error) {
	var rec *store.CheckpointRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := s.sessionPrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= seek; 0xFF sorts after every digit.
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return store.ErrNotFound
		}
		r, err := decodeItem(it.Item())
		if err != nil {
			return err
		}
		rec = &r
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("badger latest checkpoint: %w", err)
	}
	return rec, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]store.CheckpointRecord, error) {
	var result []store.CheckpointRecord
	err := s.scan(s.sessionPrefix(sessionID), func(rec store.CheckpointRecord, _ []byte) error {
		result = append(result, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list checkpoints: %w", err)
	}
	return result, nil
}

func (s *Store) PruneCheckpoints(ctx context.Context, before time.Time) (int64, error) {
	var stale [][]byte
	err := s.scan(s.allPrefix(), func(rec store.CheckpointRecord, key []byte) error {
		if rec.CreatedAt.Before(before) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger scan checkpoints: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("badger delete checkpoint: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("badger flush deletes: %w", err)
	}
	return int64(len(stale)), nil
}

func (s *Store) scan(prefix []byte, fn func(rec store.CheckpointRecord, key []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rec, err := decodeItem(item)
			if err != nil {
				return err
			}
			if err := fn(rec, item.KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeItem(item *badger.Item) (store.CheckpointRecord, error) {
	var rec store.CheckpointRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, fmt.Errorf("decode checkpoint record %s: %w", item.Key(), err)
	}
	return rec, nil
}

func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
