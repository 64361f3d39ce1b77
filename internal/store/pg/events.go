package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

// PGEventStore implements store.EventStore backed by Postgres.
type PGEventStore struct {
	db *sqlx.DB
}

func NewPGEventStore(db *sqlx.DB) *PGEventStore {
	return &PGEventStore{db: db}
}

type eventRow struct {
	SessionID     string        `db:"session_id"`
	AgentID       string        `db:"agent_id"`
	EventType     string        `db:"event_type"`
	Iteration     int           `db:"iteration"`
	MaxIterations int           `db:"max_iterations"`
	Phase         string        `db:"phase"`
	ConditionsMet int           `db:"conditions_met"`
	ConditionsAll int           `db:"conditions_total"`
	DurationMS    sql.NullInt64 `db:"duration_ms"`
	Details       []byte        `db:"details"`
	Error         string        `db:"error"`
	TS            time.Time     `db:"ts"`
}

func (s *PGEventStore) BatchCreateEvents(ctx context.Context, events []protocol.IterationEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ev := range events {
		details, err := marshalDetails(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO loop_events (session_id, agent_id, event_type, iteration, max_iterations, phase,
				conditions_met, conditions_total, duration_ms, details, error, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			ev.SessionID, ev.AgentID, string(ev.Type), ev.Iteration, ev.MaxIterations, ev.Phase,
			ev.ConditionsMet, ev.ConditionsAll, nilInt64(ev.DurationMS), details, ev.Error, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PGEventStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]protocol.IterationEvent, error) {
	q := `SELECT session_id, agent_id, event_type, iteration, max_iterations, phase, conditions_met,
			conditions_total, duration_ms, details, error, ts
		  FROM loop_events WHERE session_id = $1 ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	result := make([]protocol.IterationEvent, len(rows))
	for i, r := range rows {
		ev := protocol.IterationEvent{
			Type:          protocol.EventType(r.EventType),
			SessionID:     r.SessionID,
			AgentID:       r.AgentID,
			Iteration:     r.Iteration,
			MaxIterations: r.MaxIterations,
			Timestamp:     r.TS.UTC(),
			ConditionsMet: r.ConditionsMet,
			ConditionsAll: r.ConditionsAll,
			Phase:         r.Phase,
			Error:         r.Error,
		}
		if r.DurationMS.Valid {
			d := r.DurationMS.Int64
			ev.DurationMS = &d
		}
		if len(r.Details) > 0 {
			if err := json.Unmarshal(r.Details, &ev.Details); err != nil {
				slog.Warn("pg: dropping unreadable event details", "session", r.SessionID, "type", r.EventType, "error", err)
			}
		}
		// Newest first from the query; store oldest first.
		result[len(rows)-1-i] = ev
	}
	return result, nil
}
