package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goloop/internal/cron"
	"github.com/nextlevelbuilder/goloop/internal/store"
	"github.com/nextlevelbuilder/goloop/internal/store/memstore"
)

var fastRetry = cron.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newTestStore(t *testing.T, sink store.CheckpointStore) *Store {
	t.Helper()
	s, err := NewStore(sink, WithRetry(fastRetry), WithOpTimeout(time.Second))
	require.NoError(t, err)
	return s
}

func TestSaveAssignsIdentityAndSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memstore.New())

	first, err := s.Save(ctx, Checkpoint{SessionID: "s1", AgentID: "a", Iteration: 2})
	require.NoError(t, err)
	second, err := s.Save(ctx, Checkpoint{SessionID: "s1", AgentID: "a", Iteration: 4})
	require.NoError(t, err)
	other, err := s.Save(ctx, Checkpoint{SessionID: "s2", AgentID: "a", Iteration: 1})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEmpty(t, first.StoreID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(1), other.Sequence)
}

func TestSaveRejectsEmptySession(t *testing.T) {
	s := newTestStore(t, memstore.New())
	_, err := s.Save(context.Background(), Checkpoint{})
	assert.ErrorIs(t, err, ErrPersist)
}

func TestLoadLatestPicksHighestSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memstore.New())

	// A later sequence wins even when its wall clock is older.
	_, err := s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 2, CreatedAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	_, err = s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 4, CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	latest, err := s.LoadLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, latest.Iteration)
	assert.Equal(t, int64(2), latest.Sequence)
	assert.NotEmpty(t, latest.StoreID)
}

func TestLoadLatestNotFound(t *testing.T) {
	s := newTestStore(t, memstore.New())
	_, err := s.LoadLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	sink := memstore.New()
	s := newTestStore(t, sink)

	sink.FailNextAppends(2)
	saved, err := s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, sink.AppendCalls())

	all, err := s.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, saved.ID, all[0].ID)
}

func TestSaveFailsWhenSinkStaysDown(t *testing.T) {
	ctx := context.Background()
	sink := memstore.New()
	s := newTestStore(t, sink)

	sink.FailNextAppends(100)
	_, err := s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 2})
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, fastRetry.MaxRetries+1, sink.AppendCalls())

	// The failed reservation is not reused.
	sink.FailNextAppends(0)
	saved, err := s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Sequence)
}

func TestDuplicateAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sink := memstore.New()
	s := newTestStore(t, sink)

	saved, err := s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 2})
	require.NoError(t, err)

	payload, err := Encode(saved)
	require.NoError(t, err)
	id, err := sink.AppendCheckpoint(ctx, store.CheckpointRecord{
		CheckpointID: saved.ID, SessionID: "s1", Sequence: saved.Sequence, Iteration: 2, Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, saved.StoreID, id)

	all, err := s.List(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSequenceResumesFromSink(t *testing.T) {
	ctx := context.Background()
	sink := memstore.New()

	first := newTestStore(t, sink)
	for i := 0; i < 3; i++ {
		_, err := first.Save(ctx, Checkpoint{SessionID: "s1", Iteration: i})
		require.NoError(t, err)
	}

	restarted := newTestStore(t, sink)
	saved, err := restarted.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(4), saved.Sequence)
}

// flakyLatest fails the first n LatestCheckpoint calls.
type flakyLatest struct {
	*memstore.Store
	failures int
	calls    int
}

func (f *flakyLatest) LatestCheckpoint(ctx context.Context, sessionID string) (*store.CheckpointRecord, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, memstore.ErrUnavailable
	}
	return f.Store.LatestCheckpoint(ctx, sessionID)
}

func TestSequenceLookupRetriesAfterRestart(t *testing.T) {
	ctx := context.Background()
	sink := memstore.New()

	first := newTestStore(t, sink)
	for i := 0; i < 2; i++ {
		_, err := first.Save(ctx, Checkpoint{SessionID: "s1", Iteration: i})
		require.NoError(t, err)
	}

	flaky := &flakyLatest{Store: sink, failures: 2}
	restarted := newTestStore(t, flaky)
	saved, err := restarted.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.Sequence)
	assert.Equal(t, 3, flaky.calls)

	// A sink that never answers still fails the save after the retry budget.
	down := &flakyLatest{Store: memstore.New(), failures: 100}
	_, err = newTestStore(t, down).Save(ctx, Checkpoint{SessionID: "s1", Iteration: 1})
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, fastRetry.MaxRetries+1, down.calls)
}

func TestLoadLatestCorrupt(t *testing.T) {
	ctx := context.Background()
	sink := memstore.New()
	s := newTestStore(t, sink)

	sink.PutRaw(store.CheckpointRecord{SessionID: "s1", Sequence: 1, Payload: []byte("not an envelope")})
	_, err := s.LoadLatest(ctx, "s1")
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = s.List(ctx, "s1")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadLatestRejectsMisfiledPayload(t *testing.T) {
	ctx := context.Background()
	sink := memstore.New()
	s := newTestStore(t, sink)

	payload, err := Encode(&Checkpoint{ID: "x", SessionID: "other", Sequence: 1})
	require.NoError(t, err)
	sink.PutRaw(store.CheckpointRecord{SessionID: "s1", Sequence: 1, Payload: payload})

	_, err = s.LoadLatest(ctx, "s1")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestListAscending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memstore.New())
	for _, it := range []int{2, 4, 6} {
		_, err := s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: it})
		require.NoError(t, err)
	}

	all, err := s.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, cp := range all {
		assert.Equal(t, int64(i+1), cp.Sequence)
		assert.Equal(t, (i+1)*2, cp.Iteration)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memstore.New())
	old := time.Now().Add(-48 * time.Hour)

	_, err := s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 1, CreatedAt: old})
	require.NoError(t, err)
	_, err = s.Save(ctx, Checkpoint{SessionID: "s1", Iteration: 2})
	require.NoError(t, err)

	n, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	latest, err := s.LoadLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Iteration)
}

func TestPing(t *testing.T) {
	sink := memstore.New()
	s := newTestStore(t, sink)
	require.NoError(t, s.Ping(context.Background()))
	sink.SetDown(true)
	assert.Error(t, s.Ping(context.Background()))
}
