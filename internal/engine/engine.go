package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/petmind/mnemo/internal/config"
	"github.com/petmind/mnemo/internal/importance"
	"github.com/petmind/mnemo/internal/llm"
	"github.com/petmind/mnemo/internal/queue"
	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/internal/vector"
	"github.com/petmind/mnemo/pkg/types"
)

const indexFileName = "vectors.idx"

// Event is an engine lifecycle notification published to the optional
// notifier: record creation, conflict detection, maintenance completion.
type Event struct {
	Type     string                 `json:"type"`
	RecordID string                 `json:"record_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	At       time.Time              `json:"at"`
}

// Notifier receives engine events. Implementations must not block.
type Notifier interface {
	Publish(event Event)
}

// Stats is the engine-level aggregate exposed to callers.
type Stats struct {
	CountsByKind       map[types.MemoryKind]int `json:"counts_by_kind"`
	TotalRecords       int                      `json:"total_records"`
	ArchivedCount      int                      `json:"archived_count"`
	VectorizedCount    int                      `json:"vectorized_count"`
	PendingQueueLength int                      `json:"pending_queue_length"`
	IndexSize          int                      `json:"index_size"`
}

// Engine is the public facade over the memory core: it owns the vector
// index and the vectorization pipeline, and composes retrieval, conflict
// detection and lifecycle maintenance over a caller-supplied record store.
// The host application constructs it explicitly and owns its lifecycle.
type Engine struct {
	cfg *config.Config

	records  storage.RecordStore
	search   storage.SearchProvider
	qstore   storage.QueueStore
	index    *vector.Index
	queue    *queue.VectorQueue
	pool     *queue.Pool
	eval     *importance.Evaluator
	retr     *Retriever
	detector *Detector
	life     *Lifecycle
	notifier Notifier

	indexPath string
	now       func() time.Time
}

// Deps are the external collaborators an Engine is built from.
type Deps struct {
	Records  storage.RecordStore
	Search   storage.SearchProvider
	Queue    storage.QueueStore
	Embedder llm.EmbeddingGenerator

	// Delegate is the optional importance delegate for ambiguous scores.
	Delegate llm.TextGenerator

	// Notifier is optional; nil disables event publication.
	Notifier Notifier
}

// New builds an engine. The vector index is loaded from the configured data
// path; a corrupt index file is replaced by an empty index and a rebuild is
// scheduled on Start rather than refusing to construct.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Records == nil || deps.Search == nil || deps.Queue == nil {
		return nil, fmt.Errorf("engine: record store, search provider and queue store are required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("engine: embedding generator is required")
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data path: %w", err)
	}

	idx := vector.NewIndex(deps.Embedder.Dimensions())
	indexPath := filepath.Join(cfg.Storage.DataPath, indexFileName)
	switch err := idx.Load(indexPath); {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		// First run: nothing to load.
	case errors.Is(err, vector.ErrCorruptIndexFile):
		log.Printf("engine: vector index %s is corrupt, starting empty; a rebuild is required", indexPath)
		idx = vector.NewIndex(deps.Embedder.Dimensions())
	default:
		return nil, fmt.Errorf("engine: load vector index: %w", err)
	}

	q := queue.NewVectorQueue(cfg.Queue.HighPriorityThreshold, cfg.Queue.MaxRetries)
	detector := NewDetector(deps.Records, cfg.Conflict)

	e := &Engine{
		cfg:       cfg,
		records:   deps.Records,
		search:    deps.Search,
		qstore:    deps.Queue,
		index:     idx,
		queue:     q,
		pool:      queue.NewPool(q, deps.Embedder, idx, deps.Records, cfg.Queue.BatchSize, cfg.Queue.NumWorkers, cfg.Queue.ShutdownTimeout),
		eval:      importance.NewEvaluator(deps.Delegate),
		retr:      NewRetriever(deps.Records, deps.Search, idx, deps.Embedder, cfg.Retrieval),
		detector:  detector,
		life:      NewLifecycle(deps.Records, detector, cfg.Lifecycle),
		notifier:  deps.Notifier,
		indexPath: indexPath,
		now:       time.Now,
	}
	e.pool.OnVectorized = func(recordID string) {
		e.publish(Event{Type: "record.vectorized", RecordID: recordID, At: e.now()})
	}

	// Records the detector and consolidation pass generate themselves must
	// enter the vectorization queue like any Create.
	enqueueRecord := func(rec *types.MemoryRecord) {
		e.queue.Enqueue(types.QueueItem{
			RecordID:   rec.ID,
			Content:    rec.Content,
			Importance: rec.Importance,
		})
	}
	e.detector.OnCreate = enqueueRecord
	e.life.OnCreate = enqueueRecord
	return e, nil
}

// Start restores persisted queue work, re-enqueues records that never made
// it into the vector index, and launches the worker pool. It must be called
// before Create traffic so no pending embedding work is lost.
func (e *Engine) Start(ctx context.Context) error {
	restored, err := e.queue.Restore(ctx, e.qstore)
	if err != nil {
		return fmt.Errorf("engine: restore queue: %w", err)
	}
	if restored > 0 {
		log.Printf("engine: restored %d pending vectorization items", restored)
	}

	// A backend with server-side embeddings can refill an empty index
	// without re-embedding anything.
	if es, ok := e.records.(storage.EmbeddingStore); ok && e.index.Size() == 0 {
		ids, embeddings, err := es.LoadEmbeddings(ctx)
		if err != nil {
			return fmt.Errorf("engine: load embeddings: %w", err)
		}
		if len(ids) > 0 {
			if err := e.index.Rebuild(ids, embeddings); err != nil {
				return fmt.Errorf("engine: rebuild index from stored embeddings: %w", err)
			}
			log.Printf("engine: rebuilt vector index from %d stored embeddings", len(ids))
		}
	}

	if err := e.enqueueUnvectorized(ctx); err != nil {
		return err
	}

	e.pool.Start()
	return nil
}

// enqueueUnvectorized schedules records missing from the index, covering
// both crash gaps and a corrupt-index restart.
func (e *Engine) enqueueUnvectorized(ctx context.Context) error {
	queued := make(map[string]struct{})
	for _, item := range e.queue.Snapshot() {
		queued[item.RecordID] = struct{}{}
	}

	offset := 0
	for {
		page, err := e.records.List(ctx, storage.ListOptions{
			Limit:            500,
			Offset:           offset,
			OnlyUnvectorized: true,
		})
		if err != nil {
			return fmt.Errorf("engine: list unvectorized: %w", err)
		}
		for _, rec := range page {
			if _, dup := queued[rec.ID]; dup {
				continue
			}
			e.queue.Enqueue(types.QueueItem{
				RecordID:   rec.ID,
				Content:    rec.Content,
				Importance: rec.Importance,
			})
		}
		if len(page) < 500 {
			return nil
		}
		offset += len(page)
	}
}

// Shutdown drains the workers, persists pending queue work and saves the
// vector index. The record store itself stays open; the host closes it.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.pool.Shutdown(ctx, e.qstore); err != nil {
		return fmt.Errorf("engine: shutdown workers: %w", err)
	}
	if err := e.index.Save(e.indexPath); err != nil {
		return fmt.Errorf("engine: save vector index: %w", err)
	}
	return nil
}

// CreateOptions carries the optional fields of a Create call.
type CreateOptions struct {
	Tags     []string
	Metadata map[string]interface{}

	// Importance, when non-nil, bypasses the evaluator.
	Importance *float64

	// AffinityChange feeds the importance evaluator's delta boost.
	AffinityChange float64
}

// Create evaluates, stores and schedules a new memory. The returned record
// is immediately findable via full-text search; vectorization happens
// asynchronously. Attitude statements are checked for conflicts against the
// recent window before returning.
func (e *Engine) Create(ctx context.Context, content string, kind types.MemoryKind, opts CreateOptions) (*types.MemoryRecord, error) {
	if content == "" {
		return nil, fmt.Errorf("engine: %w: empty content", storage.ErrInvalidInput)
	}
	if !types.ValidKind(kind) {
		return nil, fmt.Errorf("engine: %w: unknown kind %q", storage.ErrInvalidInput, kind)
	}

	score := 0.0
	if opts.Importance != nil {
		score = *opts.Importance
	} else {
		score = e.eval.Evaluate(ctx, content, &importance.EvalContext{AffinityChange: opts.AffinityChange})
	}

	rec := types.NewMemoryRecord(content, kind, score)
	rec.Tags = opts.Tags
	rec.Metadata = opts.Metadata

	if err := e.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("engine: create record: %w", err)
	}

	e.queue.Enqueue(types.QueueItem{
		RecordID:   rec.ID,
		Content:    rec.Content,
		Importance: rec.Importance,
	})

	e.detectAndRecordConflicts(ctx, rec)

	e.publish(Event{Type: "record.created", RecordID: rec.ID, At: e.now()})
	return rec, nil
}

// CreateFact stores a stable piece of knowledge at fact-grade importance.
func (e *Engine) CreateFact(ctx context.Context, content string, tags []string) (*types.MemoryRecord, error) {
	imp := 0.7
	return e.Create(ctx, content, types.KindFact, CreateOptions{Tags: tags, Importance: &imp})
}

// CreateEpisode stores a dated interaction. Importance scales with the
// magnitude of the relationship change the episode caused.
func (e *Engine) CreateEpisode(ctx context.Context, content string, affinityChange float64, metadata map[string]interface{}) (*types.MemoryRecord, error) {
	return e.Create(ctx, content, types.KindEpisode, CreateOptions{
		Metadata:       metadata,
		AffinityChange: affinityChange,
	})
}

func (e *Engine) detectAndRecordConflicts(ctx context.Context, rec *types.MemoryRecord) {
	pairs, err := e.detector.DetectConflicts(ctx, rec, nil)
	if err != nil {
		log.Printf("engine: conflict detection for %s: %v", rec.ID, err)
		return
	}
	for _, pair := range pairs {
		reflection, err := e.detector.RecordConflict(ctx, pair)
		if err != nil {
			log.Printf("engine: record conflict for %s: %v", rec.ID, err)
			continue
		}
		e.publish(Event{
			Type:     "conflict.detected",
			RecordID: reflection.ID,
			Payload: map[string]interface{}{
				"earlier_record_id": pair.Earlier.ID,
				"later_record_id":   pair.Later.ID,
			},
			At: e.now(),
		})
	}
}

// Get returns one record by ID.
func (e *Engine) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	return e.records.Get(ctx, id)
}

// Purge hard-deletes a record and drops its vector from the index. The
// engine itself only ever archives; this exists for the host application.
func (e *Engine) Purge(ctx context.Context, id string) error {
	if err := e.records.Purge(ctx, id); err != nil {
		return fmt.Errorf("engine: purge record %s: %w", id, err)
	}
	e.index.Remove([]string{id})
	return nil
}

// Search runs hybrid retrieval for the query.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*types.RetrievalResult, error) {
	return e.retr.Search(ctx, req)
}

// MemoryIndex returns the compact prompt-facing listing of the most recent
// non-archived records, newest first.
func (e *Engine) MemoryIndex(ctx context.Context, limit int) ([]types.MemoryIndexItem, error) {
	records, err := e.records.List(ctx, storage.ListOptions{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("engine: list records: %w", err)
	}
	now := e.now()
	items := make([]types.MemoryIndexItem, 0, len(records))
	for _, rec := range records {
		items = append(items, types.NewMemoryIndexItem(rec, now))
	}
	return items, nil
}

// RunDecay applies daily importance decay. Safe to call repeatedly; within
// the same elapsed day it is a no-op.
func (e *Engine) RunDecay(ctx context.Context) (int, error) {
	affected, err := e.life.RunDecay(ctx)
	if err == nil {
		e.publish(Event{Type: "maintenance.decay", Payload: map[string]interface{}{"affected": affected}, At: e.now()})
	}
	return affected, err
}

// RunConsolidation runs the idle-time maintenance pass. It is cooperatively
// cancellable through ctx.
func (e *Engine) RunConsolidation(ctx context.Context) (*ConsolidationResult, error) {
	result, err := e.life.RunConsolidation(ctx)
	if err == nil {
		e.publish(Event{Type: "maintenance.consolidation", Payload: map[string]interface{}{
			"reflections_generated": result.ReflectionsGenerated,
			"conflicts_found":       result.ConflictsFound,
			"facts_extracted":       result.FactsExtracted,
			"archived_count":        result.ArchivedCount,
		}, At: e.now()})
	}
	return result, err
}

// GetStats aggregates store, queue and index counters.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	storeStats, err := e.records.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: store stats: %w", err)
	}
	return &Stats{
		CountsByKind:       storeStats.CountsByKind,
		TotalRecords:       storeStats.TotalRecords,
		ArchivedCount:      storeStats.ArchivedCount,
		VectorizedCount:    storeStats.VectorizedCount,
		PendingQueueLength: e.queue.Len(),
		IndexSize:          e.index.Size(),
	}, nil
}

// QueueFailures exposes permanently failed vectorization items.
func (e *Engine) QueueFailures() <-chan queue.FailedItem {
	return e.queue.Failures()
}

// RebuildIndex re-embeds every non-archived record and swaps the index
// contents in one step. Used after a corrupt-index restart.
func (e *Engine) RebuildIndex(ctx context.Context, embedder llm.EmbeddingGenerator) error {
	var ids []string
	var contents []string

	offset := 0
	for {
		page, err := e.records.List(ctx, storage.ListOptions{Limit: 500, Offset: offset})
		if err != nil {
			return fmt.Errorf("engine: list for rebuild: %w", err)
		}
		for _, rec := range page {
			ids = append(ids, rec.ID)
			contents = append(contents, rec.Content)
		}
		if len(page) < 500 {
			break
		}
		offset += len(page)
	}

	if len(ids) == 0 {
		return e.index.Rebuild(nil, nil)
	}

	vectors := make([][]float32, 0, len(ids))
	for i := 0; i < len(contents); i += e.cfg.Queue.BatchSize {
		end := i + e.cfg.Queue.BatchSize
		if end > len(contents) {
			end = len(contents)
		}
		batch, err := embedder.Embed(ctx, contents[i:end])
		if err != nil {
			return fmt.Errorf("engine: embed rebuild batch: %w", err)
		}
		vectors = append(vectors, batch...)
	}

	if err := e.index.Rebuild(ids, vectors); err != nil {
		return fmt.Errorf("engine: rebuild index: %w", err)
	}
	for _, id := range ids {
		if err := e.records.MarkVectorized(ctx, id); err != nil {
			log.Printf("engine: mark vectorized %s: %v", id, err)
		}
	}
	return nil
}

func (e *Engine) publish(event Event) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(event)
}
