package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/goloop/internal/store"
)

// PGCheckpointStore implements store.CheckpointStore backed by Postgres.
// Payloads are stored as BYTEA so the checksummed bytes survive untouched.
type PGCheckpointStore struct {
	db *sqlx.DB
}

func NewPGCheckpointStore(db *sqlx.DB) *PGCheckpointStore {
	return &PGCheckpointStore{db: db}
}

type checkpointRow struct {
	ID           int64     `db:"id"`
	CheckpointID string    `db:"checkpoint_id"`
	SessionID    string    `db:"session_id"`
	AgentID      string    `db:"agent_id"`
	Sequence     int64     `db:"sequence"`
	Iteration    int       `db:"iteration"`
	Payload      []byte    `db:"payload"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r checkpointRow) toRecord() store.CheckpointRecord {
	return store.CheckpointRecord{
		StoreID:      strconv.FormatInt(r.ID, 10),
		CheckpointID: r.CheckpointID,
		SessionID:    r.SessionID,
		AgentID:      r.AgentID,
		Sequence:     r.Sequence,
		Iteration:    r.Iteration,
		Payload:      r.Payload,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

func (s *PGCheckpointStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGCheckpointStore) AppendCheckpoint(ctx context.Context, rec store.CheckpointRecord) (string, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO loop_checkpoints (checkpoint_id, session_id, agent_id, sequence, iteration, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, sequence) DO NOTHING
		 RETURNING id`,
		rec.CheckpointID, rec.SessionID, rec.AgentID, rec.Sequence, rec.Iteration, jsonOrEmpty(rec.Payload), rec.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the same (session, sequence) was already written by an earlier attempt.
		err = s.db.GetContext(ctx, &id,
			`SELECT id FROM loop_checkpoints WHERE session_id = $1 AND sequence = $2`, rec.SessionID, rec.Sequence)
	}
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *PGCheckpointStore) LatestCheckpoint(ctx context.Context, sessionID string) (*store.CheckpointRecord, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, checkpoint_id, session_id, agent_id, sequence, iteration, payload, created_at
		 FROM loop_checkpoints WHERE session_id = $1 ORDER BY sequence DESC LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

func (s *PGCheckpointStore) ListCheckpoints(ctx context.Context, sessionID string) ([]store.CheckpointRecord, error) {
	var rows []checkpointRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, checkpoint_id, session_id, agent_id, sequence, iteration, payload, created_at
		 FROM loop_checkpoints WHERE session_id = $1 ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	result := make([]store.CheckpointRecord, len(rows))
	for i, r := range rows {
		result[i] = r.toRecord()
	}
	return result, nil
}

func (s *PGCheckpointStore) PruneCheckpoints(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM loop_checkpoints WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGCheckpointStore) Close() error {
	return s.db.Close()
}
