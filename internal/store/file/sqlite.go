// Package file implements the standalone store backend: a single SQLite file
// holding the checkpoint log and the progress event feed.
package file

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goloop/internal/store"
	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

// SQLiteStore implements store.CheckpointStore and store.EventStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the loop and the event flusher.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("checkpoint store opened", "driver", "sqlite", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS loop_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loop_checkpoints_created ON loop_checkpoints(created_at)`,
		`CREATE TABLE IF NOT EXISTS loop_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			max_iterations INTEGER NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			conditions_met INTEGER NOT NULL DEFAULT 0,
			conditions_total INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER,
			details TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loop_events_session ON loop_events(session_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, rec store.CheckpointRecord) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO loop_checkpoints (checkpoint_id, session_id, agent_id, sequence, iteration, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CheckpointID, rec.SessionID, rec.AgentID, rec.Sequence, rec.Iteration, rec.Payload, rec.CreatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM loop_checkpoints WHERE session_id = ? AND sequence = ?`,
		rec.SessionID, rec.Sequence).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("read checkpoint id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

const checkpointColumns = `id, checkpoint_id, session_id, agent_id, sequence, iteration, payload, created_at`

func scanCheckpoint(row interface{ Scan(...any) error }) (store.CheckpointRecord, error) {
	var rec store.CheckpointRecord
	var id, createdAt int64
	if err := row.Scan(&id, &rec.CheckpointID, &rec.SessionID, &rec.AgentID, &rec.Sequence, &rec.Iteration, &rec.Payload, &createdAt); err != nil {
		return rec, err
	}
	rec.StoreID = strconv.FormatInt(id, 10)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, sessionID string) (*store.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM loop_checkpoints WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`, sessionID)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]store.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM loop_checkpoints WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []store.CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) PruneCheckpoints(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM loop_checkpoints WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) BatchCreateEvents(ctx context.Context, events []protocol.IterationEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO loop_events (session_id, agent_id, event_type, iteration, max_iterations, phase,
			conditions_met, conditions_total, duration_ms, details, error, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		details, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ev.SessionID, ev.AgentID, string(ev.Type), ev.Iteration, ev.MaxIterations,
			ev.Phase, ev.ConditionsMet, ev.ConditionsAll, ev.DurationMS, string(details), ev.Error,
			ev.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]protocol.IterationEvent, error) {
	q := `SELECT session_id, agent_id, event_type, iteration, max_iterations, phase, conditions_met,
			conditions_total, duration_ms, details, error, ts
		  FROM loop_events WHERE session_id = ? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []protocol.IterationEvent
	for rows.Next() {
		var ev protocol.IterationEvent
		var typ, details string
		var duration sql.NullInt64
		var ts int64
		if err := rows.Scan(&ev.SessionID, &ev.AgentID, &typ, &ev.Iteration, &ev.MaxIterations, &ev.Phase,
			&ev.ConditionsMet, &ev.ConditionsAll, &duration, &details, &ev.Error, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = protocol.EventType(typ)
		ev.Timestamp = time.UnixMilli(ts).UTC()
		if duration.Valid {
			d := duration.Int64
			ev.DurationMS = &d
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				slog.Warn("sqlite: dropping unreadable event details", "session", ev.SessionID, "type", typ, "error", err)
			}
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows came back newest first; restore emission order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
