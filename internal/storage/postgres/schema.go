package postgres

import "fmt"

// Schema creates the semantic tier. The plain array column is always
// populated so that similarity search keeps working on servers without the
// pgvector extension.
const Schema = `
CREATE TABLE IF NOT EXISTS engram_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS semantic_memories (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	embedding     DOUBLE PRECISION[] NOT NULL,
	importance    DOUBLE PRECISION NOT NULL CHECK (importance >= 0 AND importance <= 1),
	metadata      JSONB,
	source        TEXT NOT NULL DEFAULT '',
	source_key    TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	supersedes_id TEXT,
	superseded    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL,
	accessed_at   TIMESTAMPTZ NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_semantic_source_key ON semantic_memories(source_key) WHERE superseded = FALSE;
CREATE INDEX IF NOT EXISTS idx_semantic_created ON semantic_memories(created_at DESC) WHERE superseded = FALSE;
`

// migrationPgvector adds a fixed-dimension vector column with an HNSW
// cosine index. Only applied when the vector extension is available.
func migrationPgvector(dimension int) string {
	return fmt.Sprintf(`
ALTER TABLE semantic_memories ADD COLUMN IF NOT EXISTS embedding_vec vector(%d);

CREATE INDEX IF NOT EXISTS idx_semantic_vec_hnsw
	ON semantic_memories USING hnsw (embedding_vec vector_cosine_ops);
`, dimension)
}
