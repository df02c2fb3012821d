package engine

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petmind/mnemo/internal/config"
	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/internal/storage/sqlite"
	"github.com/petmind/mnemo/pkg/types"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, *sqlite.RecordStore) {
	t.Helper()
	store, err := sqlite.NewRecordStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	detector := NewDetector(store, cfg.Conflict)
	return NewLifecycle(store, detector, cfg.Lifecycle), store
}

func createAged(t *testing.T, store *sqlite.RecordStore, content string, importance float64, ageDays int) *types.MemoryRecord {
	t.Helper()
	rec := types.NewMemoryRecord(content, types.KindEpisode, importance)
	rec.CreatedAt = time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour)
	require.NoError(t, store.Create(context.Background(), rec))
	return rec
}

func TestRunDecayAppliesOncePerElapsedDay(t *testing.T) {
	life, store := newTestLifecycle(t)
	ctx := context.Background()

	rec := createAged(t, store, "three day old memory", 0.8, 3)
	fresh := createAged(t, store, "fresh memory", 0.8, 0)

	affected, err := life.RunDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	decayed, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, math.Pow(0.98, 3), decayed.DecayFactor, 1e-9)
	assert.LessOrEqual(t, decayed.EffectiveImportance(), decayed.Importance)

	untouched, err := store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, untouched.DecayFactor, 1e-9)

	// Idempotence: a second run within the same day changes nothing.
	affected, err = life.RunDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, affected)

	again, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, decayed.DecayFactor, again.DecayFactor, 1e-9)
}

func TestRunDecayFloorsAboveZero(t *testing.T) {
	life, store := newTestLifecycle(t)
	ctx := context.Background()

	rec := createAged(t, store, "ancient memory", 0.9, 1000)

	_, err := life.RunDecay(ctx)
	require.NoError(t, err)

	decayed, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, decayed.DecayFactor, 1e-9)
	assert.Greater(t, decayed.EffectiveImportance(), 0.0)
}

func TestRunArchivalBottomPercentile(t *testing.T) {
	life, store := newTestLifecycle(t)
	ctx := context.Background()

	// Ten aged records with distinct importances: bottom 20% = two records.
	var aged []*types.MemoryRecord
	for i := 0; i < 10; i++ {
		rec := createAged(t, store, fmt.Sprintf("aged memory %d", i), 0.05+0.1*float64(i), 40)
		aged = append(aged, rec)
	}
	keeper := createAged(t, store, "young but unimportant", 0.01, 5)

	archived, err := life.RunArchival(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	for i, rec := range aged {
		stored, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, i < 2, stored.IsArchived, "record %d", i)
	}

	young, err := store.Get(ctx, keeper.ID)
	require.NoError(t, err)
	assert.False(t, young.IsArchived, "young records are never archived")
}

func TestRunArchivalIsIdempotent(t *testing.T) {
	life, store := newTestLifecycle(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		createAged(t, store, fmt.Sprintf("aged memory %d", i), 0.05+0.1*float64(i), 40)
	}

	archived, err := life.RunArchival(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	// The percentile covers already-archived records, so an immediate
	// re-run finds the same bottom slice and marks nothing new.
	archived, err = life.RunArchival(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, archived)

	all, err := store.List(ctx, storage.ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	total := 0
	for _, rec := range all {
		if rec.IsArchived {
			total++
		}
	}
	assert.Equal(t, 2, total)
}

func TestRunArchivalSkipsTinyPopulations(t *testing.T) {
	life, store := newTestLifecycle(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createAged(t, store, fmt.Sprintf("aged memory %d", i), 0.1, 40)
	}

	archived, err := life.RunArchival(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, archived)
}

func TestRunConsolidationExtractsRecurringFacts(t *testing.T) {
	life, store := newTestLifecycle(t)
	ctx := context.Background()

	createAged(t, store, "the user likes green tea", 0.5, 1)
	createAged(t, store, "the user likes green tea", 0.5, 0)
	createAged(t, store, "the user likes jazz", 0.5, 0) // single mention, not recurring

	result, err := life.RunConsolidation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FactsExtracted)

	facts, err := store.List(ctx, storage.ListOptions{Kind: types.KindFact})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "the user likes green tea", facts[0].Content)

	// Re-running must not duplicate the derived fact.
	result, err = life.RunConsolidation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.FactsExtracted)
}

func TestRunConsolidationHandsOffDerivedRecords(t *testing.T) {
	life, store := newTestLifecycle(t)
	ctx := context.Background()

	var handed []string
	collect := func(rec *types.MemoryRecord) { handed = append(handed, rec.ID) }
	life.OnCreate = collect
	life.detector.OnCreate = collect

	createAged(t, store, "the user likes green tea", 0.5, 1)
	createAged(t, store, "the user likes green tea", 0.5, 0)
	createAged(t, store, "Alice likes ObjectX", 0.6, 1)
	createAged(t, store, "Alice dislikes ObjectX", 0.6, 0)

	result, err := life.RunConsolidation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ReflectionsGenerated)
	assert.Equal(t, 1, result.FactsExtracted)

	// Both generated records reach the callback for vectorization.
	require.Len(t, handed, 2)
	for _, id := range handed {
		_, err := store.Get(ctx, id)
		assert.NoError(t, err)
	}
}

func TestRunConsolidationFlagsConflictsOnce(t *testing.T) {
	life, store := newTestLifecycle(t)
	ctx := context.Background()

	createAged(t, store, "Alice likes ObjectX", 0.6, 1)
	createAged(t, store, "Alice dislikes ObjectX", 0.6, 0)

	result, err := life.RunConsolidation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictsFound)
	assert.Equal(t, 1, result.ReflectionsGenerated)

	// The second pass sees the same contradiction but both sides are
	// already flagged, so no new reflection appears.
	result, err = life.RunConsolidation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ReflectionsGenerated)

	reflections, err := store.List(ctx, storage.ListOptions{Kind: types.KindReflection})
	require.NoError(t, err)
	assert.Len(t, reflections, 1)
}

func TestRunConsolidationIsCancellable(t *testing.T) {
	life, store := newTestLifecycle(t)

	for i := 0; i < 10; i++ {
		createAged(t, store, fmt.Sprintf("memory %d", i), 0.5, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := life.RunConsolidation(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
