package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/petmind/mnemo/internal/storage"
)

// FullTextSearch performs tsvector full-text search across record content.
// Scoring uses ts_rank; ties break by recency (newer first).
func (s *RecordStore) FullTextSearch(ctx context.Context, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	opts.Normalize()

	if strings.TrimSpace(opts.Query) == "" {
		return nil, nil
	}

	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	queryArg := arg(opts.Query)
	where = append(where, "content_tsv @@ plainto_tsquery('simple', "+queryArg+")")

	if !opts.IncludeArchived {
		where = append(where, "is_archived = FALSE")
	}
	if opts.MinImportance > 0 {
		where = append(where, "importance >= "+arg(opts.MinImportance))
	}
	if !opts.TimeWindow.Start.IsZero() {
		where = append(where, "created_at >= "+arg(opts.TimeWindow.Start))
	}
	if !opts.TimeWindow.End.IsZero() {
		where = append(where, "created_at < "+arg(opts.TimeWindow.End))
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			placeholders[i] = arg(string(k))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ",")+")")
	}

	query := `
		SELECT` + recordColumns + `,
		       ts_rank(content_tsv, plainto_tsquery('simple', ` + queryArg + `)) AS rank
		FROM records
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY rank DESC, created_at DESC
		LIMIT ` + arg(opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: full-text search %q: %w", opts.Query, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SearchHit
	for rows.Next() {
		var rank float64
		rec, err := scanRecord(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("postgres: full-text scan: %w", err)
		}
		hits = append(hits, storage.SearchHit{Record: rec, Score: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: full-text rows: %w", err)
	}
	return hits, nil
}
