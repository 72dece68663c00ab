package sqlite

// Schema creates every table used by the Store. All statements are
// idempotent. Timestamps are INTEGER unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS working_items (
	id              TEXT PRIMARY KEY,
	category        TEXT NOT NULL,
	key             TEXT NOT NULL,
	value           TEXT NOT NULL,
	importance      REAL NOT NULL CHECK (importance >= 0 AND importance <= 1),
	ttl_ns          INTEGER NOT NULL DEFAULT 0,
	expires_at      INTEGER,
	source          TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT 'working',
	metadata        TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	accessed_at     INTEGER NOT NULL,
	access_count    INTEGER NOT NULL DEFAULT 0,
	version         INTEGER NOT NULL DEFAULT 1,
	embed_failures  INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER,
	UNIQUE (category, key)
);

CREATE INDEX IF NOT EXISTS idx_working_state_accessed ON working_items(state, accessed_at);
CREATE INDEX IF NOT EXISTS idx_working_expires ON working_items(expires_at);

CREATE TABLE IF NOT EXISTS archived_items (
	id          TEXT PRIMARY KEY,
	item_id     TEXT NOT NULL,
	category    TEXT NOT NULL,
	key         TEXT NOT NULL,
	payload     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	archived_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archived_at ON archived_items(archived_at);

CREATE TABLE IF NOT EXISTS semantic_memories (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	embedding     BLOB NOT NULL,
	dimension     INTEGER NOT NULL,
	importance    REAL NOT NULL CHECK (importance >= 0 AND importance <= 1),
	metadata      TEXT,
	source        TEXT NOT NULL DEFAULT '',
	source_key    TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	supersedes_id TEXT,
	superseded    INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	accessed_at   INTEGER NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_semantic_source_key ON semantic_memories(source_key, superseded);
CREATE INDEX IF NOT EXISTS idx_semantic_live ON semantic_memories(superseded, created_at);

CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	name_lower  TEXT NOT NULL,
	type        TEXT NOT NULL,
	properties  TEXT,
	search_text TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	UNIQUE (name_lower, type)
);

CREATE TABLE IF NOT EXISTS relations (
	id            TEXT PRIMARY KEY,
	from_id       TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	to_id         TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	relation_type TEXT NOT NULL,
	properties    TEXT,
	created_at    INTEGER NOT NULL,
	UNIQUE (from_id, to_id, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);

CREATE TABLE IF NOT EXISTS consolidation_decisions (
	id        TEXT PRIMARY KEY,
	item_id   TEXT NOT NULL,
	category  TEXT NOT NULL,
	key       TEXT NOT NULL,
	decision  TEXT NOT NULL,
	score     REAL NOT NULL,
	reason    TEXT NOT NULL DEFAULT '',
	ts        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_item ON consolidation_decisions(item_id, ts);
`
