// Package sqlite implements the mnemo storage interfaces on SQLite with an
// FTS5 full-text index. It is the default backend for local desktop use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/pkg/types"
)

// RecordStore implements storage.RecordStore, storage.SearchProvider and
// storage.QueueStore on a single SQLite database.
type RecordStore struct {
	db *sql.DB
}

// Compile-time interface checks.
var (
	_ storage.RecordStore    = (*RecordStore)(nil)
	_ storage.SearchProvider = (*RecordStore)(nil)
	_ storage.QueueStore     = (*RecordStore)(nil)
)

// NewRecordStore opens (or creates) a SQLite database at dsn, configures WAL
// mode and creates the schema. Use ":memory:" for an ephemeral store.
func NewRecordStore(dsn string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}

	// SQLite allows a single concurrent writer. One open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load, while
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &RecordStore{db: db}, nil
}

// DB exposes the underlying handle for components that share the database,
// such as the queue persistence table.
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, string(rec.Kind), rec.Importance, rec.DecayFactor,
		rec.CreatedAt, nullTime(rec.LastAccessedAt), rec.AccessCount, nullTime(rec.LastDecayedAt),
		tagsJSON, metadataJSON, rec.IsVectorized, rec.IsArchived, rec.ConflictFlag,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create record %s: %w", rec.ID, err)
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
		`SELECT`+recordColumns+` FROM records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get record %s: %w", id, err)
	}
	return rec, nil
}

// FetchBatch retrieves records for the given IDs; unknown IDs are skipped.
// The returned order follows the input ID order.
func (s *RecordStore) FetchBatch(ctx context.Context, ids []string) ([]*types.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+recordColumns+` FROM records WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*types.MemoryRecord, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: fetch batch scan: %w", err)
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: fetch batch rows: %w", err)
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

	if !opts.IncludeArchived {
		where = append(where, "is_archived = 0")
	}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.OnlyUnvectorized {
		where = append(where, "is_vectorized = 0")
	}
	if !opts.CreatedWithin.Start.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, opts.CreatedWithin.Start)
	}
	if !opts.CreatedWithin.End.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, opts.CreatedWithin.End)
	}

	query := `SELECT` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// UpdateImportance sets a record's importance.
func (s *RecordStore) UpdateImportance(ctx context.Context, id string, importance float64) error {
	return s.execOne(ctx, `UPDATE records SET importance = ? WHERE id = ?`, importance, id)
}

// UpdateDecay sets a record's decay factor and last-decayed timestamp.
func (s *RecordStore) UpdateDecay(ctx context.Context, id string, decayFactor float64, decayedAt time.Time) error {
	return s.execOne(ctx,
		`UPDATE records SET decay_factor = ?, last_decayed_at = ? WHERE id = ?`,
		decayFactor, decayedAt, id)
}

// TouchAccess atomically bumps access bookkeeping.
func (s *RecordStore) TouchAccess(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE records SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		time.Now(), id)
}

// MarkVectorized flags a record as present in the vector index.
func (s *RecordStore) MarkVectorized(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE records SET is_vectorized = 1 WHERE id = ?`, id)
}

// MarkArchived moves a record out of default retrieval scope.
func (s *RecordStore) MarkArchived(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE records SET is_archived = 1 WHERE id = ?`, id)
}

// SetConflictFlag flags a record as participating in a detected conflict.
func (s *RecordStore) SetConflictFlag(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE records SET conflict_flag = 1 WHERE id = ?`, id)
}

// Purge hard-deletes a record.
func (s *RecordStore) Purge(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM records WHERE id = ?`, id)
}

// Stats returns aggregate counts.
func (s *RecordStore) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{CountsByKind: make(map[types.MemoryKind]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM records WHERE is_archived = 0 GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("sqlite: stats scan: %w", err)
		}
		stats.CountsByKind[types.MemoryKind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stats rows: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_archived), 0),
		       COALESCE(SUM(is_vectorized), 0)
		FROM records`).
		Scan(&stats.TotalRecords, &stats.ArchivedCount, &stats.VectorizedCount)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats totals: %w", err)
	}

	return stats, nil
}

// Close releases the database handle.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// PersistQueue replaces the persisted queue snapshot with the given items,
// preserving their order.
func (s *RecordStore) PersistQueue(ctx context.Context, items []types.QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: persist queue begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_queue`); err != nil {
		return fmt.Errorf("sqlite: persist queue clear: %w", err)
	}

	for _, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vector_queue (record_id, content, importance, retry_count, enqueued_at)
			VALUES (?, ?, ?, ?, ?)`,
			it.RecordID, it.Content, it.Importance, it.RetryCount, it.EnqueuedAt)
		if err != nil {
			return fmt.Errorf("sqlite: persist queue item %s: %w", it.RecordID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: persist queue commit: %w", err)
	}
	return nil
}

// RestoreQueue returns the persisted queue snapshot in insertion order.
func (s *RecordStore) RestoreQueue(ctx context.Context) ([]types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, content, importance, retry_count, enqueued_at
		FROM vector_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: restore queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.QueueItem
	for rows.Next() {
		var it types.QueueItem
		if err := rows.Scan(&it.RecordID, &it.Content, &it.Importance, &it.RetryCount, &it.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("sqlite: restore queue scan: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: restore queue rows: %w", err)
	}
	return items, nil
}

// execOne runs an exec statement that must affect exactly one row,
// translating zero affected rows into ErrNotFound.
func (s *RecordStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord reads one record row. extra destinations are appended after the
// record columns, for queries that select additional expressions (e.g. rank).
func scanRecord(row rowScanner, extra ...interface{}) (*types.MemoryRecord, error) {
	var rec types.MemoryRecord
	var kind string
	var lastAccessedAt, lastDecayedAt sql.NullTime
	var tagsJSON, metadataJSON sql.NullString

	dest := []interface{}{
		&rec.ID, &rec.Content, &kind, &rec.Importance, &rec.DecayFactor,
		&rec.CreatedAt, &lastAccessedAt, &rec.AccessCount, &lastDecayedAt,
		&tagsJSON, &metadataJSON, &rec.IsVectorized, &rec.IsArchived, &rec.ConflictFlag,
	}
	dest = append(dest, extra...)

	err := row.Scan(dest...)
	if err != nil {
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
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
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
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows: %w", err)
	}
	return records, nil
}

func marshalAux(rec *types.MemoryRecord) (tags, metadata sql.NullString, err error) {
	if len(rec.Tags) > 0 {
		b, err := json.Marshal(rec.Tags)
		if err != nil {
			return tags, metadata, fmt.Errorf("marshal tags: %w", err)
		}
		tags = sql.NullString{String: string(b), Valid: true}
	}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return tags, metadata, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	return tags, metadata, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
