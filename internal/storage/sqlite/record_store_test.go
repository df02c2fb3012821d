package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/pkg/types"
)

func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := NewRecordStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := types.NewMemoryRecord("user adopted a cat named Mochi", types.KindEpisode, 0.8)
	rec.Tags = []string{"pets"}
	rec.Metadata = map[string]interface{}{"affinity_change": 5.0}
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, types.KindEpisode, got.Kind)
	assert.Equal(t, 0.8, got.Importance)
	assert.Equal(t, 1.0, got.DecayFactor)
	assert.Equal(t, []string{"pets"}, got.Tags)
	assert.Equal(t, 5.0, got.Metadata["affinity_change"])
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Create(ctx, &types.MemoryRecord{ID: "x", Content: ""})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = store.Create(ctx, &types.MemoryRecord{ID: "x", Content: "y", Kind: "dream"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestFetchBatchPreservesOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, content := range []string{"first", "second", "third"} {
		rec := types.NewMemoryRecord(content, types.KindFact, 0.5)
		require.NoError(t, store.Create(ctx, rec))
		ids = append(ids, rec.ID)
	}

	got, err := store.FetchBatch(ctx, []string{ids[2], "unknown", ids[0]})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Content)
	assert.Equal(t, "first", got[1].Content)
}

func TestTouchAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := types.NewMemoryRecord("x", types.KindFact, 0.5)
	require.NoError(t, store.Create(ctx, rec))

	require.NoError(t, store.TouchAccess(ctx, rec.ID))
	require.NoError(t, store.TouchAccess(ctx, rec.ID))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.NotNil(t, got.LastAccessedAt)
}

func TestFlagsAndDecayUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := types.NewMemoryRecord("x", types.KindFact, 0.5)
	require.NoError(t, store.Create(ctx, rec))

	now := time.Now().Truncate(time.Second)
	require.NoError(t, store.UpdateDecay(ctx, rec.ID, 0.98, now))
	require.NoError(t, store.UpdateImportance(ctx, rec.ID, 0.9))
	require.NoError(t, store.MarkVectorized(ctx, rec.ID))
	require.NoError(t, store.SetConflictFlag(ctx, rec.ID))
	require.NoError(t, store.MarkArchived(ctx, rec.ID))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.98, got.DecayFactor)
	assert.Equal(t, 0.9, got.Importance)
	assert.True(t, got.IsVectorized)
	assert.True(t, got.ConflictFlag)
	assert.True(t, got.IsArchived)
	require.NotNil(t, got.LastDecayedAt)

	assert.ErrorIs(t, store.MarkArchived(ctx, "missing"), storage.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := types.NewMemoryRecord("old episode", types.KindEpisode, 0.5)
	old.CreatedAt = time.Now().Add(-72 * time.Hour)
	require.NoError(t, store.Create(ctx, old))

	fact := types.NewMemoryRecord("fresh fact", types.KindFact, 0.5)
	require.NoError(t, store.Create(ctx, fact))

	archived := types.NewMemoryRecord("archived", types.KindFact, 0.5)
	archived.IsArchived = true
	require.NoError(t, store.Create(ctx, archived))

	got, err := store.List(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 2) // archived excluded by default

	got, err = store.List(ctx, storage.ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = store.List(ctx, storage.ListOptions{Kind: types.KindEpisode})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old episode", got[0].Content)

	got, err = store.List(ctx, storage.ListOptions{
		CreatedWithin: types.LastDays(time.Now(), 1),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh fact", got[0].Content)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, types.NewMemoryRecord("f", types.KindFact, 0.5)))
	}
	ep := types.NewMemoryRecord("e", types.KindEpisode, 0.5)
	require.NoError(t, store.Create(ctx, ep))
	require.NoError(t, store.MarkVectorized(ctx, ep.ID))
	require.NoError(t, store.MarkArchived(ctx, ep.ID))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CountsByKind[types.KindFact])
	assert.Equal(t, 0, stats.CountsByKind[types.KindEpisode]) // archived
	assert.Equal(t, 4, stats.TotalRecords)
	assert.Equal(t, 1, stats.ArchivedCount)
	assert.Equal(t, 1, stats.VectorizedCount)
}

func TestQueuePersistRestore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	items := []types.QueueItem{
		{RecordID: "a", Content: "aa", Importance: 0.9, EnqueuedAt: time.Now().Truncate(time.Second)},
		{RecordID: "b", Content: "bb", Importance: 0.3, RetryCount: 1, EnqueuedAt: time.Now().Truncate(time.Second)},
	}
	require.NoError(t, store.PersistQueue(ctx, items))

	got, err := store.RestoreQueue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].RecordID)
	assert.Equal(t, "b", got[1].RecordID)
	assert.Equal(t, 1, got[1].RetryCount)

	// Persisting again replaces the snapshot.
	require.NoError(t, store.PersistQueue(ctx, items[:1]))
	got, err = store.RestoreQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
