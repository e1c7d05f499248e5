package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/szzii/full-self-coding/internal/scheduler"
)

// StartRun registers a new run and the ordered task list the Analyzer
// produced for it, each task starting in scheduler.StatusNotStarted.
func (s *SQLiteStore) StartRun(ctx context.Context, runID, repoURL string, tasks []scheduler.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, repo_url, started_at)
		VALUES (?, ?, ?)
	`, runID, repoURL, time.Now()); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, task := range tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (run_id, id, title, description, priority, following_tasks, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, task.ID, task.Title, task.Description, task.Priority,
			strings.Join(task.FollowingTasks, ","), scheduler.StatusNotStarted); err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveResult records a task's terminal outcome against a run already
// registered by StartRun.
func (s *SQLiteStore) SaveResult(ctx context.Context, runID string, result scheduler.TaskResult) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, report = ?, patch = ?, completed_at = ?
		WHERE run_id = ? AND id = ?
	`, result.Status, result.Report, result.Patch, nullTime(result.CompletedAt), runID, result.ID)
	if err != nil {
		return fmt.Errorf("failed to save result for task %s: %w", result.ID, err)
	}
	return nil
}

// FinishRun marks a run's completion time and the anchor commit the
// Patch Committer left the working tree on.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, anchorCommit string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = ?, anchor_commit = ?
		WHERE id = ?
	`, time.Now(), anchorCommit, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// ListResults returns every TaskResult recorded for runID, in insertion
// (Analyzer emission) order.
func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]scheduler.TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, priority, following_tasks, status, report, patch, completed_at
		FROM tasks
		WHERE run_id = ?
		ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for run %s: %w", runID, err)
	}
	defer rows.Close()

	var results []scheduler.TaskResult
	for rows.Next() {
		var (
			r              scheduler.TaskResult
			followingTasks string
			report, patch  sql.NullString
			completedAt    sql.NullTime
		)

		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Priority, &followingTasks,
			&r.Status, &report, &patch, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}

		if followingTasks != "" {
			r.FollowingTasks = strings.Split(followingTasks, ",")
		}
		r.Report = report.String
		r.Patch = patch.String
		if completedAt.Valid {
			r.CompletedAt = completedAt.Time
		}

		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}
