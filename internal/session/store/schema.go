package store

// Schema notes: history is an append-only log ordered by seq; sessions are
// the durable map; usage_samples feed the usage reporter's daily/block
// series; model_usage is the per-model accumulator surfaced on attach.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_session_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	working_dir TEXT NOT NULL,
	status TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	permission_mode TEXT NOT NULL DEFAULT '',
	repo_json TEXT NOT NULL DEFAULT '',
	pending_permission_json TEXT NOT NULL DEFAULT '',
	pending_question_json TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	entry_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id, seq);

CREATE TABLE IF NOT EXISTS model_usage (
	session_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, model)
);

CREATE TABLE IF NOT EXISTS usage_samples (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_samples_time ON usage_samples(created_at);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_session_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	working_dir TEXT NOT NULL,
	status TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	permission_mode TEXT NOT NULL DEFAULT '',
	repo_json TEXT NOT NULL DEFAULT '',
	pending_permission_json TEXT NOT NULL DEFAULT '',
	pending_question_json TEXT NOT NULL DEFAULT '',
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS history (
	seq BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	entry_json TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id, seq);

CREATE TABLE IF NOT EXISTS model_usage (
	session_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, model)
);

CREATE TABLE IF NOT EXISTS usage_samples (
	seq BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_samples_time ON usage_samples(created_at);
`
