// Package redis implements store.CheckpointStore on Redis streams.
// Each session is one stream; entry ids are "<sequence>-1" so the stream
// order is the checkpoint sequence order.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/goloop/internal/store"
)

const (
	fieldCheckpointID = "checkpoint_id"
	fieldAgentID      = "agent_id"
	fieldIteration    = "iteration"
	fieldCreatedAt    = "created_at"
	fieldPayload      = "payload"
)

// StreamStore implements store.CheckpointStore with one stream per session
// plus a set indexing known sessions for pruning.
type StreamStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*StreamStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("checkpoint store opened", "driver", "redis", "addr", opts.Addr)
	return New(rdb, opts.Prefix), nil
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, prefix string) *StreamStore {
	if prefix == "" {
		prefix = "goloop"
	}
	return &StreamStore{rdb: rdb, prefix: prefix}
}

func (s *StreamStore) streamKey(sessionID string) string {
	return s.prefix + ":checkpoints:" + sessionID
}

func (s *StreamStore) sessionsKey() string {
	return s.prefix + ":checkpoint_sessions"
}

func entryID(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-1"
}

func sequenceOf(id string) (int64, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	return strconv.ParseInt(ms, 10, 64)
}

func (s *StreamStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *StreamStore) AppendCheckpoint(ctx context.Context, rec store.CheckpointRecord) (string, error) {
	if rec.Sequence < 1 {
		return "", fmt.Errorf("redis checkpoint sequence must be >= 1, got %d", rec.Sequence)
	}
	key := s.streamKey(rec.SessionID)
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     entryID(rec.Sequence),
		Values: map[string]any{
			fieldCheckpointID: rec.CheckpointID,
			fieldAgentID:      rec.AgentID,
			fieldIteration:    rec.Iteration,
			fieldCreatedAt:    rec.CreatedAt.UnixMilli(),
			fieldPayload:      rec.Payload,
		},
	}).Result()
	if err != nil {
		// Streams reject ids at or below the top entry; for a retried write the
		// entry is already there.
		if strings.Contains(err.Error(), "equal or smaller") {
			existing, rerr := s.rdb.XRange(ctx, key, entryID(rec.Sequence), entryID(rec.Sequence)).Result()
			if rerr == nil && len(existing) == 1 {
				return existing[0].ID, nil
			}
		}
		return "", fmt.Errorf("xadd checkpoint: %w", err)
	}
	if err := s.rdb.SAdd(ctx, s.sessionsKey(), rec.SessionID).Err(); err != nil {
		slog.Warn("redis: failed to index checkpoint session", "session", rec.SessionID, "error", err)
	}
	return id, nil
}

func (s *StreamStore) LatestCheckpoint(ctx context.Context, sessionID string) (*store.CheckpointRecord, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.streamKey(sessionID), "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	if len(msgs) == 0 {
		return nil, store.ErrNotFound
	}
	rec, err := decodeMessage(sessionID, msgs[0])
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *StreamStore) ListCheckpoints(ctx context.Context, sessionID string) ([]store.CheckpointRecord, error) {
	msgs, err := s.rdb.XRange(ctx, s.streamKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	result := make([]store.CheckpointRecord, 0, len(msgs))
	for _, m := range msgs {
		rec, err := decodeMessage(sessionID, m)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

func (s *StreamStore) PruneCheckpoints(ctx context.Context, before time.Time) (int64, error) {
	sessions, err := s.rdb.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list checkpoint sessions: %w", err)
	}
	var removed int64
	cutoff := before.UnixMilli()
	for _, session := range sessions {
		recs, err := s.ListCheckpoints(ctx, session)
		if err != nil {
			return removed, err
		}
		var stale []string
		for _, r := range recs {
			if r.CreatedAt.UnixMilli() < cutoff {
				stale = append(stale, r.StoreID)
			}
		}
		if len(stale) == 0 {
			continue
		}
		n, err := s.rdb.XDel(ctx, s.streamKey(session), stale...).Result()
		if err != nil {
			return removed, fmt.Errorf("xdel checkpoints: %w", err)
		}
		removed += n
		if len(stale) == len(recs) {
			// An emptied stream keeps its top id, which would reject sequence
			// numbers reallocated from scratch after a restart.
			if err := s.rdb.Del(ctx, s.streamKey(session)).Err(); err != nil {
				slog.Warn("redis: failed to drop empty checkpoint stream", "session", session, "error", err)
			}
			s.rdb.SRem(ctx, s.sessionsKey(), session)
		}
	}
	return removed, nil
}

func (s *StreamStore) Close() error {
	return s.rdb.Close()
}

func decodeMessage(sessionID string, m redis.XMessage) (store.CheckpointRecord, error) {
	seq, err := sequenceOf(m.ID)
	if err != nil {
		return store.CheckpointRecord{}, err
	}
	rec := store.CheckpointRecord{
		StoreID:      m.ID,
		SessionID:    sessionID,
		Sequence:     seq,
		CheckpointID: stringField(m.Values, fieldCheckpointID),
		AgentID:      stringField(m.Values, fieldAgentID),
		Payload:      []byte(stringField(m.Values, fieldPayload)),
	}
	if v, err := strconv.Atoi(stringField(m.Values, fieldIteration)); err == nil {
		rec.Iteration = v
	}
	if v, err := strconv.ParseInt(stringField(m.Values, fieldCreatedAt), 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(v).UTC()
	}
	if rec.CheckpointID == "" {
		return rec, errors.New("redis checkpoint entry missing checkpoint_id")
	}
	return rec, nil
}

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
