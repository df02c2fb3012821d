package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/pkg/types"
)

// RecordStore implements storage.RecordStore, storage.SearchProvider and
// storage.QueueStore on PostgreSQL, plus storage.EmbeddingStore when the
// pgvector extension is available.
type RecordStore struct {
	db        *sql.DB
	dimension int
	pgvector  bool
}

// Compile-time interface checks.
var (
	_ storage.RecordStore    = (*RecordStore)(nil)
	_ storage.SearchProvider = (*RecordStore)(nil)
	_ storage.QueueStore     = (*RecordStore)(nil)
	_ storage.EmbeddingStore = (*RecordStore)(nil)
)

// NewRecordStore connects to PostgreSQL, applies the schema and tries to
// enable pgvector for server-side embedding persistence. A server without
// pgvector still works; embeddings are then persisted only in the index file.
func NewRecordStore(dsn string, embeddingDimension int) (*RecordStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	s := &RecordStore{db: db, dimension: embeddingDimension}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension not available, embeddings stay file-local: %v", err)
	} else if _, err := db.Exec(fmt.Sprintf(MigrationPgvector, embeddingDimension)); err != nil {
		log.Printf("postgres: add embedding column: %v", err)
	} else {
		s.pgvector = true
	}

	return s, nil
}

// DB exposes the underlying handle.
func (s *RecordStore) DB() *sql.DB {
	return s.db
}

// Create inserts a new record.
func (s *RecordStore) Create(ctx context.Context, rec *types.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record with ID is required", storage.ErrInvalidInput)
	}
	if rec.Content == "" {
		return fmt.Errorf("%w: record content is required", storage.ErrInvalidInput)
	}
	if !types.ValidKind(rec.Kind) {
		return fmt.Errorf("%w: unknown kind %q", storage.ErrInvalidInput, rec.Kind)
	}

	tagsJSON, metadataJSON, err := marshalAux(rec)
	if err != nil {
		return err
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (
			id, content, kind, importance, decay_factor,
			created_at, last_accessed_at, access_count, last_decayed_at,
			tags, metadata, is_vectorized, is_archived, conflict_flag
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.Content, string(rec.Kind), rec.Importance, rec.DecayFactor,
		rec.CreatedAt, nullTime(rec.LastAccessedAt), rec.AccessCount, nullTime(rec.LastDecayedAt),
		tagsJSON, metadataJSON, rec.IsVectorized, rec.IsArchived, rec.ConflictFlag,
	)
	if err != nil {
		return fmt.Errorf("postgres: create record %s: %w", rec.ID, err)
	}
	return nil
}

const recordColumns = `
	id, content, kind, importance, decay_factor,
	created_at, last_accessed_at, access_count, last_decayed_at,
	tags, metadata, is_vectorized, is_archived, conflict_flag`

// Get retrieves a record by ID.
func (s *RecordStore) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+recordColumns+` FROM records WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get record %s: %w", id, err)
	}
	return rec, nil
}

// FetchBatch retrieves records for the given IDs in input order; unknown IDs
// are skipped.
func (s *RecordStore) FetchBatch(ctx context.Context, ids []string) ([]*types.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+recordColumns+` FROM records WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*types.MemoryRecord, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: fetch batch scan: %w", err)
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch batch rows: %w", err)
	}

	result := make([]*types.MemoryRecord, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			result = append(result, rec)
		}
	}
	return result, nil
}

// List retrieves records matching the options, newest first.
func (s *RecordStore) List(ctx context.Context, opts storage.ListOptions) ([]*types.MemoryRecord, error) {
	opts.Normalize()

	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !opts.IncludeArchived {
		where = append(where, "is_archived = FALSE")
	}
	if opts.Kind != "" {
		where = append(where, "kind = "+arg(string(opts.Kind)))
	}
	if opts.OnlyUnvectorized {
		where = append(where, "is_vectorized = FALSE")
	}
	if !opts.CreatedWithin.Start.IsZero() {
		where = append(where, "created_at >= "+arg(opts.CreatedWithin.Start))
	}
	if !opts.CreatedWithin.End.IsZero() {
		where = append(where, "created_at < "+arg(opts.CreatedWithin.End))
	}

	query := `SELECT` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(opts.Limit) + " OFFSET " + arg(opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// UpdateImportance sets a record's importance.
func (s *RecordStore) UpdateImportance(ctx context.Context, id string, importance float64) error {
	return s.execOne(ctx, `UPDATE records SET importance = $1 WHERE id = $2`, importance, id)
}

// UpdateDecay sets a record's decay factor and last-decayed timestamp.
func (s *RecordStore) UpdateDecay(ctx context.Context, id string, decayFactor float64, decayedAt time.Time) error {
	return s.execOne(ctx,
		`UPDATE records SET decay_factor = $1, last_decayed_at = $2 WHERE id = $3`,
		decayFactor, decayedAt, id)
}

// TouchAccess atomically bumps access bookkeeping.
func (s *RecordStore) TouchAccess(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE records SET access_count = access_count + 1, last_accessed_at = NOW() WHERE id = $1`, id)
}

// MarkVectorized flags a record as present in the vector index.
func (s *RecordStore) MarkVectorized(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE records SET is_vectorized = TRUE WHERE id = $1`, id)
}

// MarkArchived moves a record out of default retrieval scope.
func (s *RecordStore) MarkArchived(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE records SET is_archived = TRUE WHERE id = $1`, id)
}

// SetConflictFlag flags a record as participating in a detected conflict.
func (s *RecordStore) SetConflictFlag(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE records SET conflict_flag = TRUE WHERE id = $1`, id)
}

// Purge hard-deletes a record.
func (s *RecordStore) Purge(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM records WHERE id = $1`, id)
}

// Stats returns aggregate counts.
func (s *RecordStore) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{CountsByKind: make(map[types.MemoryKind]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM records WHERE is_archived = FALSE GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("postgres: stats by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("postgres: stats scan: %w", err)
		}
		stats.CountsByKind[types.MemoryKind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: stats rows: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_archived),
		       COUNT(*) FILTER (WHERE is_vectorized)
		FROM records`).
		Scan(&stats.TotalRecords, &stats.ArchivedCount, &stats.VectorizedCount)
	if err != nil {
		return nil, fmt.Errorf("postgres: stats totals: %w", err)
	}

	return stats, nil
}

// Close releases the connection pool.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// SaveEmbedding persists a record's embedding in the pgvector column. A
// server without pgvector makes this a no-op.
func (s *RecordStore) SaveEmbedding(ctx context.Context, id string, embedding []float32) error {
	if !s.pgvector {
		return nil
	}
	return s.execOne(ctx,
		`UPDATE records SET embedding = $1 WHERE id = $2`,
		pgvector.NewVector(embedding), id)
}

// LoadEmbeddings returns every stored embedding for non-archived records.
func (s *RecordStore) LoadEmbeddings(ctx context.Context) ([]string, [][]float32, error) {
	if !s.pgvector {
		return nil, nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM records
		WHERE embedding IS NOT NULL AND is_archived = FALSE`)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	var embeddings [][]float32
	for rows.Next() {
		var id string
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, nil, fmt.Errorf("postgres: load embeddings scan: %w", err)
		}
		ids = append(ids, id)
		embeddings = append(embeddings, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: load embeddings rows: %w", err)
	}
	return ids, embeddings, nil
}

// PersistQueue replaces the persisted queue snapshot, preserving order.
func (s *RecordStore) PersistQueue(ctx context.Context, items []types.QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: persist queue begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_queue`); err != nil {
		return fmt.Errorf("postgres: persist queue clear: %w", err)
	}

	for _, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vector_queue (record_id, content, importance, retry_count, enqueued_at)
			VALUES ($1, $2, $3, $4, $5)`,
			it.RecordID, it.Content, it.Importance, it.RetryCount, it.EnqueuedAt)
		if err != nil {
			return fmt.Errorf("postgres: persist queue item %s: %w", it.RecordID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: persist queue commit: %w", err)
	}
	return nil
}

// RestoreQueue returns the persisted queue snapshot in insertion order.
func (s *RecordStore) RestoreQueue(ctx context.Context) ([]types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, content, importance, retry_count, enqueued_at
		FROM vector_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: restore queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.QueueItem
	for rows.Next() {
		var it types.QueueItem
		if err := rows.Scan(&it.RecordID, &it.Content, &it.Importance, &it.RetryCount, &it.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("postgres: restore queue scan: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: restore queue rows: %w", err)
	}
	return items, nil
}

func (s *RecordStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, extra ...interface{}) (*types.MemoryRecord, error) {
	var rec types.MemoryRecord
	var kind string
	var lastAccessedAt, lastDecayedAt sql.NullTime
	var tagsJSON, metadataJSON []byte

	dest := []interface{}{
		&rec.ID, &rec.Content, &kind, &rec.Importance, &rec.DecayFactor,
		&rec.CreatedAt, &lastAccessedAt, &rec.AccessCount, &lastDecayedAt,
		&tagsJSON, &metadataJSON, &rec.IsVectorized, &rec.IsArchived, &rec.ConflictFlag,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Kind = types.MemoryKind(kind)
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		rec.LastAccessedAt = &t
	}
	if lastDecayedAt.Valid {
		t := lastDecayedAt.Time
		rec.LastDecayedAt = &t
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &rec.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*types.MemoryRecord, error) {
	var records []*types.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return records, nil
}

func marshalAux(rec *types.MemoryRecord) (tags, metadata interface{}, err error) {
	if len(rec.Tags) > 0 {
		b, err := json.Marshal(rec.Tags)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal tags: %w", err)
		}
		tags = b
	}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = b
	}
	return tags, metadata, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
