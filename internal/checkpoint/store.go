package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/goloop/internal/cron"
	"github.com/nextlevelbuilder/goloop/internal/store"
)

const (
	defaultCacheSize = 1024
	defaultOpTimeout = 10 * time.Second
)

// Store is the checkpoint adapter over a store.CheckpointStore sink.
// It assigns ids and per-session sequence numbers, encodes payloads and
// retries transient write failures.
type Store struct {
	sink      store.CheckpointStore
	retry     cron.RetryConfig
	opTimeout time.Duration
	logger    *slog.Logger
	now       func() time.Time

	seqMu sync.Mutex
	seqs  *lru.Cache[string, int64] // session -> last allocated sequence
}

// Option configures a Store.
type Option func(*Store)

// WithRetry overrides the save retry policy.
func WithRetry(cfg cron.RetryConfig) Option {
	return func(s *Store) { s.retry = cfg }
}

// WithOpTimeout bounds each individual sink call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCacheSize sets how many sessions' sequence numbers are cached.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.seqs, _ = lru.New[string, int64](n)
		}
	}
}

// NewStore wraps sink.
func NewStore(sink store.CheckpointStore, opts ...Option) (*Store, error) {
	if sink == nil {
		return nil, errors.New("checkpoint: sink is required")
	}
	seqs, err := lru.New[string, int64](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: sequence cache: %w", err)
	}
	s := &Store{
		sink:      sink,
		retry:     cron.DefaultRetryConfig(),
		opTimeout: defaultOpTimeout,
		logger:    slog.Default(),
		now:       store.Now,
		seqs:      seqs,
	}
	for _, o := range opts {
		o(s)
	}
	if s.retry.Retryable == nil {
		s.retry.Retryable = retryable
	}
	return s, nil
}

// Ping checks the sink is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.sink.Ping(ctx)
}

// Save persists cp and returns the stored copy with ID, Sequence, CreatedAt and
// StoreID filled in. Every retry reuses the same id and sequence.
func (s *Store) Save(ctx context.Context, cp Checkpoint) (*Checkpoint, error) {
	if err := store.ValidateSessionID(cp.SessionID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	seq, err := s.nextSequence(ctx, cp.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate sequence: %v", ErrPersist, err)
	}
	if cp.ID == "" {
		cp.ID = store.GenNewID().String()
	}
	cp.Sequence = seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.StoreID = ""

	payload, err := Encode(&cp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	rec := store.CheckpointRecord{
		CheckpointID: cp.ID,
		SessionID:    cp.SessionID,
		AgentID:      cp.AgentID,
		Sequence:     seq,
		Iteration:    cp.Iteration,
		Payload:      payload,
		CreatedAt:    cp.CreatedAt,
	}

	storeID, attempts, err := cron.ExecuteWithRetry(ctx, func(ctx context.Context) (string, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return s.sink.AppendCheckpoint(opCtx, rec)
	}, s.retry)
	if attempts > 1 {
		s.logger.Info("checkpoint: save retried", "session", cp.SessionID, "sequence", seq, "attempts", attempts, "success", err == nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: session %s sequence %d after %d attempts: %v", ErrPersist, cp.SessionID, seq, attempts, err)
	}

	cp.StoreID = storeID
	s.logger.Debug("checkpoint: saved", "session", cp.SessionID, "sequence", seq, "iteration", cp.Iteration, "store_id", storeID)
	return &cp, nil
}

// LoadLatest returns the checkpoint with the highest sequence for sessionID.
func (s *Store) LoadLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if err := store.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rec, err := s.sink.LatestCheckpoint(opCtx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load latest for %s: %w", sessionID, err)
	}
	s.observeSequence(sessionID, rec.Sequence)
	return fromRecord(rec)
}

// List returns every checkpoint for sessionID in ascending sequence order.
// Any corrupt entry fails the whole call with ErrCorrupt.
func (s *Store) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	if err := store.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	recs, err := s.sink.ListCheckpoints(opCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", sessionID, err)
	}
	out := make([]*Checkpoint, 0, len(recs))
	for i := range recs {
		cp, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if n := len(recs); n > 0 {
		s.observeSequence(sessionID, recs[n-1].Sequence)
	}
	return out, nil
}

// Prune deletes checkpoints created before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	n, err := s.sink.PruneCheckpoints(opCtx, before)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: prune: %w", err)
	}
	return n, nil
}

// nextSequence reserves the next sequence for sessionID. A reserved number is
// never handed out twice even if the write using it fails.
func (s *Store) nextSequence(ctx context.Context, sessionID string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	last, ok := s.seqs.Get(sessionID)
	if !ok {
		var err error
		last, _, err = cron.ExecuteWithRetry(ctx, func(ctx context.Context) (int64, error) {
			opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
			defer cancel()
			rec, err := s.sink.LatestCheckpoint(opCtx, sessionID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return 0, nil
			case err != nil:
				s.logger.Debug("checkpoint: sequence lookup failed", "session", sessionID, "error", err)
				return 0, err
			}
			return rec.Sequence, nil
		}, s.retry)
		if err != nil {
			return 0, err
		}
	}
	next := last + 1
	s.seqs.Add(sessionID, next)
	return next, nil
}

func (s *Store) observeSequence(sessionID string, seq int64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if last, ok := s.seqs.Get(sessionID); !ok || seq > last {
		s.seqs.Add(sessionID, seq)
	}
}

func fromRecord(rec *store.CheckpointRecord) (*Checkpoint, error) {
	cp, err := Decode(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("session %s sequence %d: %w", rec.SessionID, rec.Sequence, err)
	}
	if cp.SessionID != rec.SessionID || cp.Sequence != rec.Sequence {
		return nil, fmt.Errorf("%w: session %s sequence %d: payload belongs to %s/%d",
			ErrCorrupt, rec.SessionID, rec.Sequence, cp.SessionID, cp.Sequence)
	}
	cp.StoreID = rec.StoreID
	return cp, nil
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}
