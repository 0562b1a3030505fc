package memory

// migrations is the ordered list of SQL migration statements. The index of
// a statement plus one is its schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		channel_key TEXT NOT NULL UNIQUE,
		model_key TEXT NOT NULL DEFAULT '',
		temperature REAL,
		verbosity TEXT NOT NULL DEFAULT 'normal',
		style TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		summary_watermark INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS pins (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, key)
	)`,
	`ALTER TABLE conversations ADD COLUMN epoch INTEGER NOT NULL DEFAULT 0`,
}
