package eventlog

const postgresSchema = `
CREATE TABLE IF NOT EXISTS context_events (
	seq BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	checksum TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	occurred_at BIGINT NOT NULL,
	project TEXT NOT NULL,
	branch TEXT NOT NULL,
	importance DOUBLE PRECISION NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	data JSONB NOT NULL,
	tags JSONB NOT NULL,
	related_ids JSONB NOT NULL,
	ingested_at BIGINT NOT NULL
);
ALTER TABLE context_events ALTER COLUMN importance TYPE DOUBLE PRECISION;
CREATE INDEX IF NOT EXISTS context_events_scope_idx ON context_events (project, branch, occurred_at);
CREATE INDEX IF NOT EXISTS context_events_type_idx ON context_events (event_type, occurred_at);
CREATE TABLE IF NOT EXISTS context_event_tags (
	tag TEXT NOT NULL,
	event_id TEXT NOT NULL REFERENCES context_events (event_id) ON DELETE CASCADE,
	PRIMARY KEY (tag, event_id)
);
CREATE INDEX IF NOT EXISTS context_event_tags_event_idx ON context_event_tags (event_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS context_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	checksum TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	occurred_at INTEGER NOT NULL,
	project TEXT NOT NULL,
	branch TEXT NOT NULL,
	importance REAL NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	tags TEXT NOT NULL,
	related_ids TEXT NOT NULL,
	ingested_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS context_events_scope_idx ON context_events (project, branch, occurred_at);
CREATE INDEX IF NOT EXISTS context_events_type_idx ON context_events (event_type, occurred_at);
CREATE TABLE IF NOT EXISTS context_event_tags (
	tag TEXT NOT NULL,
	event_id TEXT NOT NULL REFERENCES context_events (event_id) ON DELETE CASCADE,
	PRIMARY KEY (tag, event_id)
);
CREATE INDEX IF NOT EXISTS context_event_tags_event_idx ON context_event_tags (event_id);
`
