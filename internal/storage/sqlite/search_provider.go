package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/petmind/mnemo/internal/storage"
)

// FullTextSearch performs FTS5-backed search over record content.
//
// The records_fts virtual table is kept in sync with the records table by
// triggers in schema.go, so writes are visible immediately. FTS5 bm25 rank
// values are negative (more negative is better), so results are ordered by
// rank ascending and the returned Score is the negated rank, ties broken by
// recency (newer first).
func (s *RecordStore) FullTextSearch(ctx context.Context, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	opts.Normalize()

	ftsQuery := sanitiseFTSQuery(opts.Query)
	if ftsQuery == "" {
		return nil, nil
	}

	where := []string{"records_fts MATCH ?"}
	args := []interface{}{ftsQuery}

	if !opts.IncludeArchived {
		where = append(where, "r.is_archived = 0")
	}
	if opts.MinImportance > 0 {
		where = append(where, "r.importance >= ?")
		args = append(args, opts.MinImportance)
	}
	if !opts.TimeWindow.Start.IsZero() {
		where = append(where, "r.created_at >= ?")
		args = append(args, opts.TimeWindow.Start)
	}
	if !opts.TimeWindow.End.IsZero() {
		where = append(where, "r.created_at < ?")
		args = append(args, opts.TimeWindow.End)
	}
	if len(opts.Kinds) > 0 {
		placeholders := strings.Repeat("?,", len(opts.Kinds))
		where = append(where, "r.kind IN ("+placeholders[:len(placeholders)-1]+")")
		for _, k := range opts.Kinds {
			args = append(args, string(k))
		}
	}

	query := `
		SELECT
			r.id, r.content, r.kind, r.importance, r.decay_factor,
			r.created_at, r.last_accessed_at, r.access_count, r.last_decayed_at,
			r.tags, r.metadata, r.is_vectorized, r.is_archived, r.conflict_flag,
			bm25(records_fts) AS rank
		FROM records_fts fts
		JOIN records r ON r.rowid = fts.rowid
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY rank, r.created_at DESC
		LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: full-text search %q: %w", opts.Query, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SearchHit
	for rows.Next() {
		var rank float64
		rec, err := scanRecord(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("sqlite: full-text scan: %w", err)
		}
		// bm25 is negative; flip so higher is better.
		hits = append(hits, storage.SearchHit{Record: rec, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: full-text rows: %w", err)
	}
	return hits, nil
}

// sanitiseFTSQuery converts free-form input into a safe FTS5 MATCH
// expression. FTS5 syntax is fragile: an unbalanced quote or a stray
// operator keyword makes SQLite return a syntax error, so special
// characters are stripped and each remaining word becomes a prefix term
// joined with OR.
func sanitiseFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, " ", `'`, " ", `(`, " ", `)`, " ",
		`*`, " ", `-`, " ", `+`, " ", `^`, " ",
		`?`, " ", `:`, " ", `{`, " ", `}`, " ",
		`[`, " ", `]`, " ",
	)
	cleaned := replacer.Replace(query)

	var terms []string
	for _, w := range strings.Fields(strings.ToLower(cleaned)) {
		if len([]rune(w)) >= 2 {
			terms = append(terms, w+"*")
		}
	}
	if len(terms) == 0 {
		return strings.ToLower(strings.TrimSpace(cleaned))
	}
	return strings.Join(terms, " OR ")
}
