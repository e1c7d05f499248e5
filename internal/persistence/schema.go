package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		repo_url TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		anchor_commit TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		priority INTEGER NOT NULL,
		following_tasks TEXT,
		status TEXT NOT NULL,
		report TEXT,
		patch TEXT,
		completed_at DATETIME,
		PRIMARY KEY (run_id, id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
