package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as unix milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL DEFAULT 2,
		complexity TEXT NOT NULL DEFAULT '',
		size TEXT NOT NULL DEFAULT '',
		agent TEXT NOT NULL DEFAULT '',
		consumed INTEGER NOT NULL DEFAULT 0,
		active_pid INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		blocker_id TEXT NOT NULL,
		PRIMARY KEY (task_id, blocker_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (blocker_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS task_labels (
		task_id TEXT NOT NULL,
		label TEXT NOT NULL,
		PRIMARY KEY (task_id, label),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_labels_label ON task_labels(label);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		exit_code INTEGER,
		cost REAL NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		output_path TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task_started ON runs(task_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
