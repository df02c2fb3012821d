// Package queue implements the asynchronous vectorization pipeline: a
// two-level priority queue feeding a bounded worker pool that embeds record
// content and inserts the vectors into the index. Pending work is persisted
// on shutdown and restored on start so a crash never loses queued records.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/pkg/types"
)

// FailedItem reports an item that exhausted its retries. Consumers read
// these from Failures and decide what to do with the record.
type FailedItem struct {
	Item types.QueueItem
	Err  error
}

// VectorQueue is a two-level FIFO. Items with importance at or above the
// configured threshold go to the high-priority sub-queue, which is always
// drained completely before any normal item is handed out.
type VectorQueue struct {
	mu     sync.Mutex
	high   []types.QueueItem
	normal []types.QueueItem

	threshold  float64
	maxRetries int

	failures chan FailedItem
	wake     chan struct{}
}

// NewVectorQueue creates an empty queue. threshold routes items to the
// high-priority sub-queue; maxRetries bounds per-item embedding attempts.
func NewVectorQueue(threshold float64, maxRetries int) *VectorQueue {
	return &VectorQueue{
		threshold:  threshold,
		maxRetries: maxRetries,
		failures:   make(chan FailedItem, 64),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue adds an item, routing by importance, and wakes a worker.
func (q *VectorQueue) Enqueue(item types.QueueItem) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if item.Importance >= q.threshold {
		q.high = append(q.high, item)
	} else {
		q.normal = append(q.normal, item)
	}
	q.mu.Unlock()

	q.signal()
}

// DequeueBatch removes and returns up to n items. The high-priority
// sub-queue is exhausted before the first normal item is considered, and
// each sub-queue preserves insertion order.
func (q *VectorQueue) DequeueBatch(n int) []types.QueueItem {
	if n <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]types.QueueItem, 0, n)
	for len(batch) < n && len(q.high) > 0 {
		batch = append(batch, q.high[0])
		q.high = q.high[1:]
	}
	for len(batch) < n && len(q.normal) > 0 {
		batch = append(batch, q.normal[0])
		q.normal = q.normal[1:]
	}
	if len(batch) == 0 {
		return nil
	}
	return batch
}

// Requeue returns a failed item to its sub-queue with an incremented retry
// count. Once the count exceeds the retry budget the item is reported on the
// failure channel instead and false is returned.
func (q *VectorQueue) Requeue(item types.QueueItem, cause error) bool {
	item.RetryCount++
	if item.RetryCount > q.maxRetries {
		select {
		case q.failures <- FailedItem{Item: item, Err: fmt.Errorf("retries exhausted: %w", cause)}:
		default:
			// Failure channel full; the item is dropped rather than
			// blocking the worker. The record stays unvectorized and is
			// picked up by the next rebuild.
		}
		return false
	}

	q.mu.Lock()
	if item.Importance >= q.threshold {
		q.high = append(q.high, item)
	} else {
		q.normal = append(q.normal, item)
	}
	q.mu.Unlock()

	q.signal()
	return true
}

// Failures is the channel of permanently failed items.
func (q *VectorQueue) Failures() <-chan FailedItem {
	return q.failures
}

// Len returns the total number of queued items.
func (q *VectorQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Snapshot returns all queued items, high-priority first, without removing
// them.
func (q *VectorQueue) Snapshot() []types.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]types.QueueItem, 0, len(q.high)+len(q.normal))
	items = append(items, q.high...)
	items = append(items, q.normal...)
	return items
}

// Persist writes the current queue contents to durable storage, replacing
// any previous snapshot.
func (q *VectorQueue) Persist(ctx context.Context, store storage.QueueStore) error {
	return store.PersistQueue(ctx, q.Snapshot())
}

// Restore loads persisted items and enqueues them. Priority routing is
// re-derived from each item's importance, so the restored queue drains in
// the same order the original would have.
func (q *VectorQueue) Restore(ctx context.Context, store storage.QueueStore) (int, error) {
	items, err := store.RestoreQueue(ctx)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		q.Enqueue(item)
	}
	return len(items), nil
}

// signal nudges one idle worker without blocking.
func (q *VectorQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
