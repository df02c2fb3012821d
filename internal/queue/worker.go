package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petmind/mnemo/internal/llm"
	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/internal/vector"
	"github.com/petmind/mnemo/pkg/types"
)

// ErrEmbeddingFailure wraps provider errors surfaced by the worker pool
// after the retry budget is spent.
var ErrEmbeddingFailure = errors.New("embedding generation failed")

const idlePoll = 200 * time.Millisecond

// Pool drains the queue with a fixed set of worker goroutines. Each worker
// embeds a batch of items, inserts the vectors into the index and marks the
// records as vectorized.
type Pool struct {
	queue    *VectorQueue
	embedder llm.EmbeddingGenerator
	index    *vector.Index
	records  storage.RecordStore

	batchSize       int
	numWorkers      int
	shutdownTimeout time.Duration

	// OnVectorized, when set before Start, is called once per record after
	// its vector is indexed and the record is marked. Must not block.
	OnVectorized func(recordID string)

	stop     chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup

	processed atomic.Int64
}

// NewPool wires a worker pool over the queue.
func NewPool(q *VectorQueue, embedder llm.EmbeddingGenerator, index *vector.Index, records storage.RecordStore, batchSize, numWorkers int, shutdownTimeout time.Duration) *Pool {
	if batchSize < 1 {
		batchSize = 1
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		queue:           q,
		embedder:        embedder,
		index:           index,
		records:         records,
		batchSize:       batchSize,
		numWorkers:      numWorkers,
		shutdownTimeout: shutdownTimeout,
		stop:            make(chan struct{}),
	}
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

// Shutdown signals the workers, waits for them to drain up to the shutdown
// timeout, then persists whatever is still queued. A batch a worker still
// holds past the timeout is absent from the snapshot; those records stay
// unvectorized and are re-enqueued by the startup recovery sweep.
func (p *Pool) Shutdown(ctx context.Context, store storage.QueueStore) error {
	p.stopping.Store(true)
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.shutdownTimeout):
		log.Printf("queue: workers did not drain within %s", p.shutdownTimeout)
	}

	if err := p.queue.Persist(ctx, store); err != nil {
		return fmt.Errorf("persist pending queue: %w", err)
	}
	return nil
}

// Processed returns the number of items successfully vectorized.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		batch := p.queue.DequeueBatch(p.batchSize)
		if batch == nil {
			select {
			case <-p.stop:
				return
			case <-p.queue.wake:
			case <-time.After(idlePoll):
			}
			continue
		}

		p.process(batch)

		// After a stop signal, finish the in-flight batch and leave the
		// rest for Shutdown to persist.
		if p.stopping.Load() {
			return
		}
	}
}

func (p *Pool) process(batch []types.QueueItem) {
	ctx := context.Background()

	texts := make([]string, len(batch))
	for i, item := range batch {
		texts[i] = item.Content
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		p.handleFailure(batch, fmt.Errorf("%w: %v", ErrEmbeddingFailure, err))
		return
	}
	if len(vectors) != len(batch) {
		p.handleFailure(batch, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailure, len(vectors), len(batch)))
		return
	}

	ids := make([]string, len(batch))
	for i, item := range batch {
		ids[i] = item.RecordID
	}
	if err := p.index.Add(ids, vectors); err != nil {
		// Dimension mismatches never heal on retry; fail the batch outright.
		for _, item := range batch {
			log.Printf("queue: record %s failed permanently: %v", item.RecordID, err)
			select {
			case p.queue.failures <- FailedItem{Item: item, Err: err}:
			default:
			}
		}
		return
	}

	embeddingStore, hasEmbeddingStore := p.records.(storage.EmbeddingStore)
	for i, item := range batch {
		if hasEmbeddingStore {
			if err := embeddingStore.SaveEmbedding(ctx, item.RecordID, vectors[i]); err != nil {
				log.Printf("queue: save embedding %s: %v", item.RecordID, err)
			}
		}
		if err := p.records.MarkVectorized(ctx, item.RecordID); err != nil {
			log.Printf("queue: mark vectorized %s: %v", item.RecordID, err)
			continue
		}
		p.processed.Add(1)
		if p.OnVectorized != nil {
			p.OnVectorized(item.RecordID)
		}
	}
}

// handleFailure backs off and requeues the batch. During shutdown items go
// straight back without burning a retry so they are persisted intact.
func (p *Pool) handleFailure(batch []types.QueueItem, cause error) {
	if p.stopping.Load() {
		for _, item := range batch {
			p.queue.Enqueue(item)
		}
		return
	}

	attempt := batch[0].RetryCount + 1
	backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
	select {
	case <-p.stop:
	case <-time.After(backoff):
	}

	for _, item := range batch {
		if !p.queue.Requeue(item, cause) {
			log.Printf("queue: record %s failed permanently: %v", item.RecordID, cause)
		}
	}
}
