package store

import "fmt"

// Schema statements stay in the lowest-common-denominator SQL accepted
// by sqlite3, mysql and postgres. JSON payloads live in TEXT columns;
// timestamps are RFC3339 text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		awaiting_approval INTEGER NOT NULL DEFAULT 0,
		pending_artifact_type TEXT NOT NULL DEFAULT '',
		skipped_stages TEXT NOT NULL DEFAULT '[]',
		current_session_id TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		agent_role TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		turn_index INTEGER NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		model_id TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		parent_turn_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		segments TEXT NOT NULL DEFAULT '[]',
		tool_calls TEXT NOT NULL DEFAULT '[]',
		thought TEXT NOT NULL DEFAULT '',
		questions TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		turn_id TEXT NOT NULL DEFAULT '',
		artifact_type TEXT NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS review_comments (
		id TEXT PRIMARY KEY,
		artifact_id TEXT NOT NULL,
		comment_type TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		line_start INTEGER NOT NULL DEFAULT 0,
		line_end INTEGER NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pulses (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		pulse_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		base_commit TEXT NOT NULL DEFAULT '',
		tip_commit TEXT NOT NULL DEFAULT '',
		recovery_commit TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS preflight_setups (
		workflow_id TEXT PRIMARY KEY,
		worktree_path TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		approved_commands TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_events (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		agent_role TEXT NOT NULL,
		stage TEXT NOT NULL,
		items TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS project_commands (
		fingerprint TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_workflow ON sessions (workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id, turn_index)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_workflow ON artifacts (workflow_id, artifact_type)`,
	`CREATE INDEX IF NOT EXISTS idx_review_comments_artifact ON review_comments (artifact_id)`,
	`CREATE INDEX IF NOT EXISTS idx_pulses_workflow ON pulses (workflow_id, pulse_index)`,
	`CREATE INDEX IF NOT EXISTS idx_notes_workflow ON notes (workflow_id)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
