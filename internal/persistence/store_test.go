package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/szzii/full-self-coding/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func sampleTasks() []scheduler.Task {
	return []scheduler.Task{
		{ID: "A", Title: "first task", Description: "do the first thing", Priority: 3, FollowingTasks: []string{"B"}},
		{ID: "B", Title: "second task", Description: "do the second thing", Priority: 2},
	}
}

func TestStartRunAndListResults_AllNotStarted(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, "run-1", "https://example.invalid/repo.git", sampleTasks()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	results, err := store.ListResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "A" || results[1].ID != "B" {
		t.Fatalf("expected emission order A, B, got %s, %s", results[0].ID, results[1].ID)
	}
	for _, r := range results {
		if r.Status != scheduler.StatusNotStarted {
			t.Errorf("expected task %s to start not_started, got %s", r.ID, r.Status)
		}
		if !r.CompletedAt.IsZero() {
			t.Errorf("expected task %s to have a zero CompletedAt before any result is saved", r.ID)
		}
	}
	if len(results[0].FollowingTasks) != 1 || results[0].FollowingTasks[0] != "B" {
		t.Errorf("expected task A's FollowingTasks to round-trip, got %v", results[0].FollowingTasks)
	}
}

func TestSaveResult_UpdatesStatusReportPatchAndCompletedAt(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, "run-2", "https://example.invalid/repo.git", sampleTasks()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	now := time.Now().Truncate(time.Second)
	result := scheduler.TaskResult{
		Task:        scheduler.Task{ID: "A", Title: "first task", Description: "do the first thing", Priority: 3},
		Status:      scheduler.StatusSuccess,
		Report:      "done",
		Patch:       "diff --git a/x b/x\n",
		CompletedAt: now,
	}

	if err := store.SaveResult(ctx, "run-2", result); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	results, err := store.ListResults(ctx, "run-2")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}

	var got *scheduler.TaskResult
	for i := range results {
		if results[i].ID == "A" {
			got = &results[i]
		}
	}
	if got == nil {
		t.Fatal("expected task A in results")
	}
	if got.Status != scheduler.StatusSuccess {
		t.Errorf("expected status success, got %s", got.Status)
	}
	if got.Report != "done" {
		t.Errorf("expected report %q, got %q", "done", got.Report)
	}
	if got.Patch != result.Patch {
		t.Errorf("expected patch to round-trip, got %q", got.Patch)
	}
	if !got.CompletedAt.Equal(now) {
		t.Errorf("expected CompletedAt %v, got %v", now, got.CompletedAt)
	}

	// Task B was never given a result; it must remain untouched.
	for _, r := range results {
		if r.ID == "B" && r.Status != scheduler.StatusNotStarted {
			t.Errorf("expected task B to remain not_started, got %s", r.Status)
		}
	}
}

func TestFinishRun_RecordsAnchorCommit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, "run-3", "https://example.invalid/repo.git", sampleTasks()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := store.FinishRun(ctx, "run-3", "deadbeef"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	var anchor string
	if err := store.db.QueryRowContext(ctx, "SELECT anchor_commit FROM runs WHERE id = ?", "run-3").Scan(&anchor); err != nil {
		t.Fatalf("reading anchor_commit: %v", err)
	}
	if anchor != "deadbeef" {
		t.Errorf("expected anchor_commit %q, got %q", "deadbeef", anchor)
	}
}

func TestFinishRun_UnknownRunFails(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.FinishRun(ctx, "does-not-exist", "deadbeef"); err == nil {
		t.Fatal("expected an error finishing a run that was never started")
	}
}

func TestListResults_UnknownRunIsEmptyNotError(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	results, err := store.ListResults(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results for an unknown run, got %d", len(results))
	}
}
