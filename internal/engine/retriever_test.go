package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petmind/mnemo/internal/config"
	"github.com/petmind/mnemo/internal/llm"
	"github.com/petmind/mnemo/internal/storage/sqlite"
	"github.com/petmind/mnemo/internal/vector"
	"github.com/petmind/mnemo/pkg/types"
)

type retrieverHarness struct {
	store    *sqlite.RecordStore
	index    *vector.Index
	embedder *llm.MockEmbedder
	retr     *Retriever
}

func newRetrieverHarness(t *testing.T) *retrieverHarness {
	t.Helper()

	store, err := sqlite.NewRecordStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedder := llm.NewMockEmbedder(64)
	index := vector.NewIndex(64)
	retr := NewRetriever(store, store, index, embedder, config.Default().Retrieval)

	return &retrieverHarness{store: store, index: index, embedder: embedder, retr: retr}
}

// addMemory stores a record and, unless skipVector is set, embeds it into
// the index the way the queue worker would.
func (h *retrieverHarness) addMemory(t *testing.T, content string, importance float64, createdAt time.Time, skipVector bool) *types.MemoryRecord {
	t.Helper()
	ctx := context.Background()

	rec := types.NewMemoryRecord(content, types.KindEpisode, importance)
	if !createdAt.IsZero() {
		rec.CreatedAt = createdAt
	}
	require.NoError(t, h.store.Create(ctx, rec))

	if !skipVector {
		vecs, err := h.embedder.Embed(ctx, []string{content})
		require.NoError(t, err)
		require.NoError(t, h.index.Add([]string{rec.ID}, vecs))
		require.NoError(t, h.store.MarkVectorized(ctx, rec.ID))
	}
	return rec
}

func TestChooseStrategy(t *testing.T) {
	h := newRetrieverHarness(t)

	assert.Equal(t, types.StrategyFullTextPrimary, h.retr.chooseStrategy("when is Alice's birthday"))
	assert.Equal(t, types.StrategyFullTextPrimary, h.retr.chooseStrategy("最近的约定"))
	assert.Equal(t, types.StrategyVectorPrimary, h.retr.chooseStrategy("feelings on rainy evenings"))
	assert.Equal(t, types.StrategyParallel, h.retr.chooseStrategy("hi"))
	assert.Equal(t, types.StrategyParallel, h.retr.chooseStrategy(""))
}

func TestSearchReturnsMatchingMemory(t *testing.T) {
	h := newRetrieverHarness(t)
	h.addMemory(t, "user likes strawberry cake with cream", 0.9, time.Time{}, false)
	h.addMemory(t, "quarterly tax filing deadline is approaching", 0.5, time.Time{}, false)

	res, err := h.retr.Search(context.Background(), SearchRequest{Query: "strawberry cake"})
	require.NoError(t, err)

	require.NotEmpty(t, res.Records)
	assert.Equal(t, "user likes strawberry cake with cream", res.Records[0].Record.Content)
	assert.False(t, res.NoRelevantMemory)
	assert.False(t, res.Degraded)
}

func TestGatingReturnsNoRelevantMemory(t *testing.T) {
	h := newRetrieverHarness(t)
	h.addMemory(t, "completely unrelated gardening notes", 0.1, time.Time{}, false)

	res, err := h.retr.Search(context.Background(), SearchRequest{Query: "spaceship telemetry protocols"})
	require.NoError(t, err)

	// The vector path always yields candidates; gating drops them all.
	assert.Empty(t, res.Records)
	if res.CandidateCount > 0 {
		assert.True(t, res.NoRelevantMemory)
	}
}

func TestEmptyStoreIsNotNoRelevantMemory(t *testing.T) {
	h := newRetrieverHarness(t)

	res, err := h.retr.Search(context.Background(), SearchRequest{Query: "anything at all"})
	require.NoError(t, err)

	assert.Empty(t, res.Records)
	assert.False(t, res.NoRelevantMemory, "zero candidates means nothing existed, not gating")
}

func TestVectorShortfallTopsUpWithFullText(t *testing.T) {
	h := newRetrieverHarness(t)

	// Only one record made it into the vector index; the rest are
	// full-text only, as after a backlog or crash.
	h.addMemory(t, "went hiking near the northern ridge", 0.8, time.Time{}, false)
	h.addMemory(t, "hiking boots need replacement soon", 0.6, time.Time{}, true)
	h.addMemory(t, "planned a weekend hiking trip with friends", 0.7, time.Time{}, true)
	h.addMemory(t, "hiking in the rain was exhausting", 0.5, time.Time{}, true)

	res, err := h.retr.Search(context.Background(), SearchRequest{Query: "hiking plans for the weekend"})
	require.NoError(t, err)

	assert.Equal(t, types.StrategyVectorPrimary, res.StrategyUsed)
	assert.GreaterOrEqual(t, res.CandidateCount, 3, "full-text top-up must cover the vector shortfall")
}

type stalledEmbedder struct {
	dim int
}

func (s *stalledEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledEmbedder) Dimensions() int { return s.dim }
func (s *stalledEmbedder) Model() string   { return "stalled" }

func TestVectorStallDegradesToFullText(t *testing.T) {
	h := newRetrieverHarness(t)
	h.addMemory(t, "user likes strawberry cake with cream", 0.9, time.Time{}, false)

	cfg := config.Default().Retrieval
	cfg.VectorTimeout = 20 * time.Millisecond
	retr := NewRetriever(h.store, h.store, h.index, &stalledEmbedder{dim: 64}, cfg)

	res, err := retr.Search(context.Background(), SearchRequest{Query: "strawberry cake"})
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	require.NotEmpty(t, res.Records, "full-text results must survive a vector stall")
}

func TestTimeWindowNarrowsResults(t *testing.T) {
	h := newRetrieverHarness(t)
	h.addMemory(t, "talked about chess openings", 0.8, time.Now().Add(-30*24*time.Hour), false)
	fresh := h.addMemory(t, "played chess again this morning", 0.8, time.Time{}, false)

	res, err := h.retr.Search(context.Background(), SearchRequest{Query: "chess today"})
	require.NoError(t, err)

	for _, rr := range res.Records {
		assert.Equal(t, fresh.ID, rr.Record.ID)
	}
}

func TestSearchTouchesAccessBookkeeping(t *testing.T) {
	h := newRetrieverHarness(t)
	rec := h.addMemory(t, "user likes strawberry cake with cream", 0.9, time.Time{}, false)

	res, err := h.retr.Search(context.Background(), SearchRequest{Query: "strawberry cake"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Records)

	stored, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AccessCount)
	assert.NotNil(t, stored.LastAccessedAt)
}

func TestArchivedRecordsExcluded(t *testing.T) {
	h := newRetrieverHarness(t)
	rec := h.addMemory(t, "user likes strawberry cake with cream", 0.9, time.Time{}, false)
	require.NoError(t, h.store.MarkArchived(context.Background(), rec.ID))

	res, err := h.retr.Search(context.Background(), SearchRequest{Query: "strawberry cake"})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestDetectEntities(t *testing.T) {
	assert.Contains(t, detectEntities("when is Alice's birthday"), "Alice")
	assert.Contains(t, detectEntities(`notes about "strawberry cake"`), "strawberry cake")
	assert.Contains(t, detectEntities("昨天聊到的电影"), "昨天聊到的电影")
	assert.Empty(t, detectEntities("what did we do"))
}
