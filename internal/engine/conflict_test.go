package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petmind/mnemo/internal/config"
	"github.com/petmind/mnemo/internal/storage/sqlite"
	"github.com/petmind/mnemo/pkg/types"
)

func newTestDetector(t *testing.T) (*Detector, *sqlite.RecordStore) {
	t.Helper()
	store, err := sqlite.NewRecordStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewDetector(store, config.Default().Conflict), store
}

func mustCreate(t *testing.T, store *sqlite.RecordStore, content string, createdAt time.Time) *types.MemoryRecord {
	t.Helper()
	rec := types.NewMemoryRecord(content, types.KindRelation, 0.6)
	if !createdAt.IsZero() {
		rec.CreatedAt = createdAt
	}
	require.NoError(t, store.Create(context.Background(), rec))
	return rec
}

func TestExtractTriple(t *testing.T) {
	d, _ := newTestDetector(t)

	triple, ok := d.ExtractTriple("Alice likes strawberry cake")
	require.True(t, ok)
	assert.Equal(t, "Alice", triple.Subject)
	assert.Equal(t, "likes", triple.Predicate)
	assert.Equal(t, "strawberry cake", triple.Object)

	triple, ok = d.ExtractTriple("the user dislikes loud music.")
	require.True(t, ok)
	assert.Equal(t, "the user", triple.Subject)
	assert.Equal(t, "dislikes", triple.Predicate)
	assert.Equal(t, "loud music", triple.Object)

	_, ok = d.ExtractTriple("the weather is mild today")
	assert.False(t, ok, "no attitude verb present")

	_, ok = d.ExtractTriple("likes everything")
	assert.False(t, ok, "verb without a subject")

	_, ok = d.ExtractTriple("Alice likes")
	assert.False(t, ok, "verb without an object")
}

func TestDetectConflictsLikesDislikes(t *testing.T) {
	d, store := newTestDetector(t)
	ctx := context.Background()

	earlier := mustCreate(t, store, "Alice likes ObjectX", time.Now().Add(-time.Hour))
	later := mustCreate(t, store, "Alice dislikes ObjectX", time.Time{})

	pairs, err := d.DetectConflicts(ctx, later, nil)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, earlier.ID, pairs[0].Earlier.ID)
	assert.Equal(t, later.ID, pairs[0].Later.ID)
	assert.Equal(t, "likes", pairs[0].EarlierTriple.Predicate)
	assert.Equal(t, "dislikes", pairs[0].LaterTriple.Predicate)
}

func TestRecordConflictFlagsBothAndCreatesReflection(t *testing.T) {
	d, store := newTestDetector(t)
	ctx := context.Background()

	mustCreate(t, store, "Alice likes ObjectX", time.Now().Add(-time.Hour))
	later := mustCreate(t, store, "Alice dislikes ObjectX", time.Time{})

	pairs, err := d.DetectConflicts(ctx, later, nil)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	reflection, err := d.RecordConflict(ctx, pairs[0])
	require.NoError(t, err)
	assert.Equal(t, types.KindReflection, reflection.Kind)
	assert.Contains(t, reflection.Content, "likes")
	assert.Contains(t, reflection.Content, "dislikes")

	for _, id := range []string{pairs[0].Earlier.ID, pairs[0].Later.ID} {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.ConflictFlag)
	}

	stored, err := store.Get(ctx, reflection.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KindReflection, stored.Kind)
}

func TestNoConflictOutsideWindow(t *testing.T) {
	d, store := newTestDetector(t)
	ctx := context.Background()

	old := mustCreate(t, store, "Alice likes ObjectX", time.Now().Add(-8*24*time.Hour))
	later := mustCreate(t, store, "Alice dislikes ObjectX", time.Time{})

	pairs, err := d.DetectConflicts(ctx, later, []*types.MemoryRecord{old, later})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestNoConflictDifferentObjects(t *testing.T) {
	d, store := newTestDetector(t)
	ctx := context.Background()

	a := mustCreate(t, store, "Alice likes ObjectX", time.Now().Add(-time.Hour))
	later := mustCreate(t, store, "Alice dislikes ObjectY", time.Time{})

	pairs, err := d.DetectConflicts(ctx, later, []*types.MemoryRecord{a, later})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestSamePredicateIsNotAConflict(t *testing.T) {
	d, store := newTestDetector(t)
	ctx := context.Background()

	a := mustCreate(t, store, "Alice likes ObjectX", time.Now().Add(-time.Hour))
	later := mustCreate(t, store, "Alice likes ObjectX", time.Time{})

	pairs, err := d.DetectConflicts(ctx, later, []*types.MemoryRecord{a, later})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestEmptyAntonymTableIsValidNoOp(t *testing.T) {
	store, err := sqlite.NewRecordStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default().Conflict
	cfg.AntonymPairs = nil
	d := NewDetector(store, cfg)

	later := mustCreate(t, store, "Alice dislikes ObjectX", time.Time{})
	pairs, err := d.DetectConflicts(context.Background(), later, nil)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}
