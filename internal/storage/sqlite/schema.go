package sqlite

// Schema creates the records table, its FTS5 companion index and the
// vector_queue persistence table. The FTS5 table is an external-content
// index over records.content, kept in sync via triggers so that every write
// is immediately visible to full-text search.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	id               TEXT NOT NULL UNIQUE,
	content          TEXT NOT NULL,
	kind             TEXT NOT NULL,
	importance       REAL NOT NULL,
	decay_factor     REAL NOT NULL DEFAULT 1.0,
	created_at       TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP,
	access_count     INTEGER NOT NULL DEFAULT 0,
	last_decayed_at  TIMESTAMP,
	tags             TEXT,
	metadata         TEXT,
	is_vectorized    INTEGER NOT NULL DEFAULT 0,
	is_archived      INTEGER NOT NULL DEFAULT 0,
	conflict_flag    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
CREATE INDEX IF NOT EXISTS idx_records_archived ON records(is_archived);

CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
	content,
	content='records',
	content_rowid='rowid',
	tokenize='unicode61'
);

CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
	INSERT INTO records_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
	INSERT INTO records_fts(records_fts, rowid, content)
	VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE OF content ON records BEGIN
	INSERT INTO records_fts(records_fts, rowid, content)
	VALUES ('delete', old.rowid, old.content);
	INSERT INTO records_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE IF NOT EXISTS vector_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id   TEXT NOT NULL,
	content     TEXT NOT NULL,
	importance  REAL NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at TIMESTAMP NOT NULL
);
`
