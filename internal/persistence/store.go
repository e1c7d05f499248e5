// Package persistence records every Task and terminal TaskResult of a run
// to a local SQLite database, so a crashed run's partial results are
// inspectable and a rerun can be diffed against the prior one (SPEC_FULL
// §6 "Run persistence"). The mandatory run-report file remains the
// authoritative per-run artifact; this store is an additive, queryable
// history layered on top of it.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/szzii/full-self-coding/internal/scheduler"
)

// Store defines the persistence interface for runs and their tasks.
type Store interface {
	// StartRun records the beginning of a new run, including the ordered
	// task list emitted by the Analyzer.
	StartRun(ctx context.Context, runID, repoURL string, tasks []scheduler.Task) error

	// SaveResult records a terminal TaskResult for a task already
	// registered by StartRun.
	SaveResult(ctx context.Context, runID string, result scheduler.TaskResult) error

	// FinishRun marks a run complete, recording the anchor commit the
	// Patch Committer returned the working tree to.
	FinishRun(ctx context.Context, runID, anchorCommit string) error

	// ListResults returns every TaskResult recorded for a run, in the
	// order the Analyzer produced the tasks.
	ListResults(ctx context.Context, runID string) ([]scheduler.TaskResult, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy
// timeout so a concurrent reader (e.g. a diagnostic query while a run is
// in flight) doesn't immediately fail with SQLITE_BUSY.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewMemoryStore creates an in-memory SQLite store for testing. Uses a
// shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := "file::memory:?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullTime converts a zero time.Time (spec.md §3: "0 otherwise") to a SQL
// NULL, and a set time to its value.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
