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

func mustCreate(t *testing.T, store *RecordStore, content string, kind types.MemoryKind, importance float64) *types.MemoryRecord {
	t.Helper()
	rec := types.NewMemoryRecord(content, kind, importance)
	require.NoError(t, store.Create(context.Background(), rec))
	return rec
}

func TestFullTextSearchImmediateVisibility(t *testing.T) {
	store := newTestStore(t)

	rec := mustCreate(t, store, "user likes strawberry cake", types.KindEpisode, 0.6)

	hits, err := store.FullTextSearch(context.Background(), storage.SearchOptions{Query: "strawberry"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, rec.ID, hits[0].Record.ID)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestFullTextSearchExcludesArchived(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := mustCreate(t, store, "archived banana memory", types.KindFact, 0.5)
	require.NoError(t, store.MarkArchived(ctx, rec.ID))

	hits, err := store.FullTextSearch(ctx, storage.SearchOptions{Query: "banana"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.FullTextSearch(ctx, storage.SearchOptions{Query: "banana", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestFullTextSearchTimeWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := types.NewMemoryRecord("we played chess last month", types.KindEpisode, 0.5)
	old.CreatedAt = time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, store.Create(ctx, old))

	recent := mustCreate(t, store, "we played chess this morning", types.KindEpisode, 0.5)

	hits, err := store.FullTextSearch(ctx, storage.SearchOptions{
		Query:      "chess",
		TimeWindow: types.LastDays(time.Now(), 1),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, recent.ID, hits[0].Record.ID)
}

func TestFullTextSearchKindAndImportanceFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "coffee episode", types.KindEpisode, 0.3)
	fact := mustCreate(t, store, "coffee fact", types.KindFact, 0.8)

	hits, err := store.FullTextSearch(ctx, storage.SearchOptions{
		Query: "coffee",
		Kinds: []types.MemoryKind{types.KindFact},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, fact.ID, hits[0].Record.ID)

	hits, err = store.FullTextSearch(ctx, storage.SearchOptions{
		Query:         "coffee",
		MinImportance: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, fact.ID, hits[0].Record.ID)
}

func TestFullTextSearchSurvivesHostileInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "perfectly normal content", types.KindFact, 0.5)

	for _, q := range []string{
		`"unbalanced quote`,
		`NOT AND OR`,
		`(paren* -minus^`,
		`???`,
	} {
		_, err := store.FullTextSearch(ctx, storage.SearchOptions{Query: q})
		assert.NoError(t, err, "query %q", q)
	}
}

func TestSanitiseFTSQuery(t *testing.T) {
	assert.Equal(t, "strawberry* OR cake*", sanitiseFTSQuery("Strawberry cake?"))
	assert.Equal(t, "mochi*", sanitiseFTSQuery(`"Mochi"`))
	assert.Equal(t, "", sanitiseFTSQuery("   "))
}
