// Package engine composes the storage, vector, queue, importance and llm
// packages into the memory engine: hybrid retrieval, conflict detection,
// lifecycle maintenance and the public facade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/petmind/mnemo/internal/config"
	"github.com/petmind/mnemo/internal/llm"
	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/internal/vector"
	"github.com/petmind/mnemo/pkg/types"
)

// ErrRetrievalDegraded marks a retrieval that lost both search paths. A
// single failed path degrades the result instead of erroring.
var ErrRetrievalDegraded = errors.New("all retrieval paths failed")

const defaultTopK = 10

// SearchRequest describes one retrieval call.
type SearchRequest struct {
	Query string

	// TopK caps the number of returned records (default 10).
	TopK int

	// Kinds restricts results to the given kinds; empty means all.
	Kinds []types.MemoryKind

	// TimeWindow, when set, overrides temporal-phrase detection.
	TimeWindow types.TimeWindow

	// MinImportance drops records below the given raw importance.
	MinImportance float64
}

// Retriever executes hybrid full-text/vector retrieval over one record
// store and one vector index. It is stateless across queries.
type Retriever struct {
	records  storage.RecordStore
	search   storage.SearchProvider
	index    *vector.Index
	embedder llm.EmbeddingGenerator
	cfg      config.RetrievalConfig

	now func() time.Time
}

// NewRetriever wires a retriever. The embedder may be nil, in which case the
// vector path is skipped and every result is full-text only.
func NewRetriever(records storage.RecordStore, search storage.SearchProvider, index *vector.Index, embedder llm.EmbeddingGenerator, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{
		records:  records,
		search:   search,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		now:      time.Now,
	}
}

// candidate accumulates per-record evidence across both search paths.
type candidate struct {
	id         string
	similarity float64
	source     types.RetrievalSource
}

// Search runs the per-query state machine: strategy selection, time-window
// narrowing, candidate retrieval, merge, re-rank and threshold gating.
func (r *Retriever) Search(ctx context.Context, req SearchRequest) (*types.RetrievalResult, error) {
	start := r.now()

	if req.TopK < 1 {
		req.TopK = defaultTopK
	}

	window := req.TimeWindow
	if window.IsZero() {
		window, _ = types.DetectTimeWindow(req.Query, start)
	}

	strategy := r.chooseStrategy(req.Query)

	fts, vec, degraded, err := r.gather(ctx, req, window, strategy)
	if err != nil {
		return nil, err
	}

	merged := mergeCandidates(fts, vec)

	ranked, err := r.rank(ctx, merged, req, window, start)
	if err != nil {
		return nil, fmt.Errorf("rank candidates: %w", err)
	}

	gated := ranked[:0]
	for _, rr := range ranked {
		if rr.Score >= r.cfg.SimilarityThreshold {
			gated = append(gated, rr)
		}
	}
	if len(gated) > req.TopK {
		gated = gated[:req.TopK]
	}

	result := &types.RetrievalResult{
		Records:          gated,
		NoRelevantMemory: len(merged) > 0 && len(gated) == 0,
		StrategyUsed:     strategy,
		CandidateCount:   len(merged),
		Degraded:         degraded,
		Elapsed:          r.now().Sub(start),
	}

	r.touchAccessed(ctx, result.Records)
	return result, nil
}

// chooseStrategy inspects the query for entities: entities present means the
// full-text index is authoritative; a non-trivial entity-free query is best
// served semantically; anything else runs both paths.
func (r *Retriever) chooseStrategy(query string) types.SearchStrategy {
	if len(detectEntities(query)) > 0 {
		return types.StrategyFullTextPrimary
	}
	if !trivialQuery(query) {
		return types.StrategyVectorPrimary
	}
	return types.StrategyParallel
}

// gather runs the search paths per strategy. A primary path that
// under-delivers always falls back to the other path; a failed or timed-out
// vector path degrades to full-text-only rather than failing the call.
func (r *Retriever) gather(ctx context.Context, req SearchRequest, window types.TimeWindow, strategy types.SearchStrategy) (fts, vec []candidate, degraded bool, err error) {
	var ftsErr, vecErr error

	switch strategy {
	case types.StrategyFullTextPrimary:
		fts, ftsErr = r.fullTextCandidates(ctx, req, window)
		if ftsErr != nil || len(fts) == 0 {
			vec, vecErr = r.vectorCandidates(ctx, req)
		}
	case types.StrategyVectorPrimary:
		vec, vecErr = r.vectorCandidates(ctx, req)
		if vecErr != nil || len(vec) < r.cfg.MinVectorResults {
			fts, ftsErr = r.fullTextCandidates(ctx, req, window)
		}
	default: // StrategyParallel
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			fts, ftsErr = r.fullTextCandidates(ctx, req, window)
		}()
		go func() {
			defer wg.Done()
			vec, vecErr = r.vectorCandidates(ctx, req)
		}()
		wg.Wait()
	}

	if ftsErr != nil && vecErr != nil {
		return nil, nil, false, fmt.Errorf("%w: fts: %v; vector: %v", ErrRetrievalDegraded, ftsErr, vecErr)
	}
	if ftsErr != nil {
		log.Printf("retrieval: full-text path failed, vector-only result: %v", ftsErr)
		return nil, vec, true, nil
	}
	if vecErr != nil {
		log.Printf("retrieval: vector path failed, full-text-only result: %v", vecErr)
		return fts, nil, true, nil
	}
	return fts, vec, false, nil
}

func (r *Retriever) fullTextCandidates(ctx context.Context, req SearchRequest, window types.TimeWindow) ([]candidate, error) {
	hits, err := r.search.FullTextSearch(ctx, storage.SearchOptions{
		Query:         req.Query,
		Limit:         r.cfg.FTSLimit,
		TimeWindow:    window,
		Kinds:         req.Kinds,
		MinImportance: req.MinImportance,
	})
	if err != nil {
		return nil, err
	}

	// Raw full-text ranks are corpus-dependent, so they are normalized
	// against the best hit: the top match scores 1 and the rest scale
	// proportionally.
	var maxScore float64
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}

	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		sim := 1.0
		if maxScore > 0 {
			sim = h.Score / maxScore
		}
		out = append(out, candidate{
			id:         h.Record.ID,
			similarity: sim,
			source:     types.SourceFullText,
		})
	}
	return out, nil
}

// vectorCandidates embeds the query and searches the index, bounded by the
// configured vector timeout.
func (r *Retriever) vectorCandidates(ctx context.Context, req SearchRequest) ([]candidate, error) {
	if r.embedder == nil {
		return nil, nil
	}
	if r.index.Size() == 0 {
		return nil, nil
	}

	vctx, cancel := context.WithTimeout(ctx, r.cfg.VectorTimeout)
	defer cancel()

	vectors, err := r.embedder.Embed(vctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}

	results, err := r.index.Search(vectors[0], r.cfg.VectorLimit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := make([]candidate, 0, len(results))
	for _, res := range results {
		// Cosine similarity in [-1,1] maps to [0,1].
		out = append(out, candidate{
			id:         res.ID,
			similarity: (res.Similarity + 1) / 2,
			source:     types.SourceVector,
		})
	}
	return out, nil
}

// mergeCandidates unions by record id, keeping the maximum similarity seen.
func mergeCandidates(fts, vec []candidate) []candidate {
	byID := make(map[string]*candidate, len(fts)+len(vec))
	var order []string

	consume := func(cands []candidate) {
		for _, c := range cands {
			existing, ok := byID[c.id]
			if !ok {
				cp := c
				byID[c.id] = &cp
				order = append(order, c.id)
				continue
			}
			if c.similarity > existing.similarity {
				existing.similarity = c.similarity
			}
			if existing.source != c.source {
				existing.source = types.SourceBoth
			}
		}
	}
	consume(fts)
	consume(vec)

	merged := make([]candidate, 0, len(order))
	for _, id := range order {
		merged = append(merged, *byID[id])
	}
	return merged
}

// rank fetches the candidate records, filters the ones the vector path could
// not pre-filter, and applies the weighted re-ranking formula.
func (r *Retriever) rank(ctx context.Context, merged []candidate, req SearchRequest, window types.TimeWindow, now time.Time) ([]types.RankedRecord, error) {
	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]string, len(merged))
	simByID := make(map[string]candidate, len(merged))
	for i, c := range merged {
		ids[i] = c.id
		simByID[c.id] = c
	}

	records, err := r.records.FetchBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	kindSet := make(map[types.MemoryKind]struct{}, len(req.Kinds))
	for _, k := range req.Kinds {
		kindSet[k] = struct{}{}
	}

	halfLifeDays := r.cfg.RecencyHalfLife.Hours() / 24

	ranked := make([]types.RankedRecord, 0, len(records))
	for _, rec := range records {
		if rec.IsArchived {
			continue
		}
		if len(kindSet) > 0 {
			if _, ok := kindSet[rec.Kind]; !ok {
				continue
			}
		}
		if rec.Importance < req.MinImportance {
			continue
		}
		if !window.IsZero() && !window.Contains(rec.CreatedAt) {
			continue
		}

		c := simByID[rec.ID]
		score := r.cfg.SimilarityWeight*c.similarity +
			r.cfg.RecencyWeight*recencyScore(rec, now, halfLifeDays) +
			r.cfg.ImportanceWeight*rec.EffectiveImportance() +
			r.cfg.FrequencyWeight*frequencyScore(rec)

		ranked = append(ranked, types.RankedRecord{Record: rec, Score: score, Source: c.source})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Record.CreatedAt.After(ranked[j].Record.CreatedAt)
	})
	return ranked, nil
}

// recencyScore decays exponentially with age, halving every half-life. Age
// is measured from the last access when one exists, else from creation.
func recencyScore(rec *types.MemoryRecord, now time.Time, halfLifeDays float64) float64 {
	ref := rec.CreatedAt
	if rec.LastAccessedAt != nil && rec.LastAccessedAt.After(ref) {
		ref = *rec.LastAccessedAt
	}
	ageDays := now.Sub(ref).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}

// frequencyScore saturates at 10 accesses.
func frequencyScore(rec *types.MemoryRecord) float64 {
	return math.Min(float64(rec.AccessCount)/10, 1)
}

// touchAccessed bumps access bookkeeping on every returned record. Failures
// only log: access stats are advisory.
func (r *Retriever) touchAccessed(ctx context.Context, records []types.RankedRecord) {
	now := r.now()
	for _, rr := range records {
		if err := r.records.TouchAccess(ctx, rr.Record.ID); err != nil {
			log.Printf("retrieval: touch access %s: %v", rr.Record.ID, err)
			continue
		}
		rr.Record.MarkAccessed(now)
	}
}
