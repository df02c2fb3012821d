// Package storage provides composable storage interfaces for the mnemo
// engine. The interfaces are small and focused so backends can implement
// them independently and callers depend only on what they use.
package storage

import (
	"context"
	"time"

	"github.com/petmind/mnemo/pkg/types"
)

// RecordStore provides durable CRUD operations over memory records.
type RecordStore interface {
	// Create inserts a new record. The record must carry a unique ID.
	Create(ctx context.Context, rec *types.MemoryRecord) error

	// Get retrieves a record by ID. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*types.MemoryRecord, error)

	// FetchBatch retrieves the records for the given IDs. Unknown IDs are
	// skipped, not errors.
	FetchBatch(ctx context.Context, ids []string) ([]*types.MemoryRecord, error)

	// List retrieves records matching the options, newest first.
	List(ctx context.Context, opts ListOptions) ([]*types.MemoryRecord, error)

	// UpdateImportance sets a record's importance.
	UpdateImportance(ctx context.Context, id string, importance float64) error

	// UpdateDecay sets a record's decay factor and last-decayed timestamp.
	UpdateDecay(ctx context.Context, id string, decayFactor float64, decayedAt time.Time) error

	// TouchAccess atomically increments access_count and sets
	// last_accessed_at for the given record.
	TouchAccess(ctx context.Context, id string) error

	// MarkVectorized flags a record as present in the vector index.
	MarkVectorized(ctx context.Context, id string) error

	// MarkArchived moves a record out of default retrieval scope.
	MarkArchived(ctx context.Context, id string) error

	// SetConflictFlag flags a record as participating in a detected conflict.
	SetConflictFlag(ctx context.Context, id string) error

	// Purge hard-deletes a record. Only external collaborators call this;
	// the engine itself archives instead of deleting.
	Purge(ctx context.Context, id string) error

	// Stats returns aggregate counts for the store.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the backing resources.
	Close() error
}

// SearchProvider provides full-text search over record content. Writes to
// the RecordStore must be visible to FullTextSearch immediately; only the
// vector path is asynchronous.
type SearchProvider interface {
	// FullTextSearch returns matching records with their raw relevance
	// scores, best match first, ties broken by recency (newer first).
	FullTextSearch(ctx context.Context, opts SearchOptions) ([]SearchHit, error)
}

// EmbeddingStore is an optional capability of a record store: persisting
// embeddings server-side so the in-process vector index can be rebuilt after
// a restart without re-embedding every record. Backends without native
// vector support simply don't implement it.
type EmbeddingStore interface {
	// SaveEmbedding persists a record's embedding.
	SaveEmbedding(ctx context.Context, id string, embedding []float32) error

	// LoadEmbeddings returns every persisted embedding with its record ID.
	LoadEmbeddings(ctx context.Context) (ids []string, embeddings [][]float32, err error)
}

// QueueStore persists pending vectorization work across restarts.
// Persist replaces the whole snapshot; Restore returns items in the order
// they were persisted.
type QueueStore interface {
	PersistQueue(ctx context.Context, items []types.QueueItem) error
	RestoreQueue(ctx context.Context) ([]types.QueueItem, error)
}
