package store

import (
	"fmt"
	"strings"

	"github.com/listfold/chatmend/internal/logger"
)

// Schema versions:
// v1: chats, messages, tool_calls, checkpoints, recovery_contexts
// v2: chats.metadata column, recovery_contexts.truncate_after column
const currentSchemaVersion = 2

// Positions and tool_call_id references are deliberately NOT enforced
// by constraints: corrupted logs produced by the external completion
// service must be loadable so the validator can report on them.
const baseSchema = `
CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	conversation_state TEXT NOT NULL DEFAULT 'stable',
	last_stable_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_owner ON chats(owner_id, status);
CREATE INDEX IF NOT EXISTS idx_chats_candidates ON chats(status, conversation_state, last_stable_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT,
	position INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, position);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	call_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	arguments TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_call_id ON tool_calls(call_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_chat ON checkpoints(chat_id);

CREATE TABLE IF NOT EXISTS recovery_contexts (
	id TEXT PRIMARY KEY,
	original_chat_id TEXT NOT NULL,
	recovery_chat_id TEXT NOT NULL,
	report TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recovery_original ON recovery_contexts(original_chat_id);
CREATE INDEX IF NOT EXISTS idx_recovery_chat ON recovery_contexts(recovery_chat_id);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
`

// columnMigration adds a column to an existing table. These handle
// databases created before the column existed.
type columnMigration struct {
	table  string
	column string
	def    string
}

var pendingMigrations = []columnMigration{
	// v2: metadata bag on chats
	{"chats", "metadata", "TEXT NOT NULL DEFAULT '{}'"},
	// v2: truncation point recorded for recovery audits
	{"recovery_contexts", "truncate_after", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	for _, m := range pendingMigrations {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := s.db.Exec(stmt); err != nil {
			// Column already present from a partially applied upgrade.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
		}
		logger.Component("store").Info("applied migration", "table", m.table, "column", m.column)
	}

	if _, err := s.db.Exec(`DELETE FROM schema_version`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
		return err
	}
	return nil
}
