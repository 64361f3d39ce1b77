// Package memstore is an in-memory implementation of the store interfaces.
// It is a test double: nothing is persisted and it is never selected implicitly.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/store"
	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

// ErrUnavailable is returned by every operation while the store is marked down.
var ErrUnavailable = errors.New("memstore: unavailable")

// Store keeps checkpoints and events in maps guarded by a mutex.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string][]store.CheckpointRecord // session -> records sorted by sequence
	events      map[string][]protocol.IterationEvent
	nextID      int64
	appends     int
	failNext    int
	down        bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		checkpoints: make(map[string][]store.CheckpointRecord),
		events:      make(map[string][]protocol.IterationEvent),
	}
}

// SetDown makes every subsequent call fail with ErrUnavailable until cleared.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// FailNextAppends makes the next n AppendCheckpoint calls fail with ErrUnavailable.
func (s *Store) FailNextAppends(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// AppendCalls reports how many AppendCheckpoint calls were made, including failed and duplicate ones.
func (s *Store) AppendCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appends
}

// PutRaw stores rec without any checks. Tests use it to plant corrupt payloads.
func (s *Store) PutRaw(rec store.CheckpointRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.StoreID = strconv.FormatInt(s.nextID, 10)
	s.insertLocked(rec)
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return ErrUnavailable
	}
	return ctx.Err()
}

func (s *Store) AppendCheckpoint(ctx context.Context, rec store.CheckpointRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.down {
		return "", ErrUnavailable
	}
	if s.failNext > 0 {
		s.failNext--
		return "", ErrUnavailable
	}
	for _, existing := range s.checkpoints[rec.SessionID] {
		if existing.Sequence == rec.Sequence {
			return existing.StoreID, nil
		}
	}
	s.nextID++
	rec.StoreID = strconv.FormatInt(s.nextID, 10)
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.insertLocked(rec)
	return rec.StoreID, nil
}

func (s *Store) insertLocked(rec store.CheckpointRecord) {
	recs := append(s.checkpoints[rec.SessionID], rec)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Sequence < recs[j].Sequence })
	s.checkpoints[rec.SessionID] = recs
}

func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*store.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, ErrUnavailable
	}
	recs := s.checkpoints[sessionID]
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	rec := recs[len(recs)-1]
	return &rec, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]store.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, ErrUnavailable
	}
	recs := s.checkpoints[sessionID]
	out := make([]store.CheckpointRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *Store) PruneCheckpoints(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, ErrUnavailable
	}
	var removed int64
	for session, recs := range s.checkpoints {
		kept := recs[:0]
		for _, r := range recs {
			if r.CreatedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.checkpoints, session)
		} else {
			s.checkpoints[session] = kept
		}
	}
	return removed, nil
}

func (s *Store) BatchCreateEvents(ctx context.Context, events []protocol.IterationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnavailable
	}
	for _, ev := range events {
		s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]protocol.IterationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[sessionID]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]protocol.IterationEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *Store) Close() error { return nil }
