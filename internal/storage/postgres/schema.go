// Package postgres implements the mnemo storage interfaces on PostgreSQL
// with tsvector full-text search. When the pgvector extension is present,
// record embeddings are persisted server-side so the in-process vector index
// can be rebuilt after a restart without re-embedding.
package postgres

// Schema creates the base tables. All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    kind TEXT NOT NULL,
    importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    decay_factor DOUBLE PRECISION NOT NULL DEFAULT 1.0,

    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_accessed_at TIMESTAMPTZ,
    access_count INTEGER NOT NULL DEFAULT 0,
    last_decayed_at TIMESTAMPTZ,

    tags JSONB,
    metadata JSONB,

    is_vectorized BOOLEAN NOT NULL DEFAULT FALSE,
    is_archived BOOLEAN NOT NULL DEFAULT FALSE,
    conflict_flag BOOLEAN NOT NULL DEFAULT FALSE,

    content_tsv TSVECTOR GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED
);

CREATE INDEX IF NOT EXISTS idx_records_created_at ON records (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records (kind);
CREATE INDEX IF NOT EXISTS idx_records_archived ON records (is_archived);
CREATE INDEX IF NOT EXISTS idx_records_tsv ON records USING GIN (content_tsv);

CREATE TABLE IF NOT EXISTS vector_queue (
    seq BIGSERIAL PRIMARY KEY,
    record_id TEXT NOT NULL,
    content TEXT NOT NULL,
    importance DOUBLE PRECISION NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    enqueued_at TIMESTAMPTZ NOT NULL
);
`

// MigrationPgvector adds the embedding column once the vector extension is
// confirmed available. The dimension placeholder is filled at connect time.
const MigrationPgvector = `
ALTER TABLE records ADD COLUMN IF NOT EXISTS embedding vector(%d);
`
