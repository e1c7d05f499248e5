package patchcommit

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/szzii/full-self-coding/internal/scheduler"
)

// setupTestRepo creates a temporary git repository with one commit on main.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()

	runOrFatal(t, repoPath, "init")
	runOrFatal(t, repoPath, "config", "user.name", "Test User")
	runOrFatal(t, repoPath, "config", "user.email", "test@example.com")
	runOrFatal(t, repoPath, "checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("writing initial file: %v", err)
	}
	runOrFatal(t, repoPath, "add", ".")
	runOrFatal(t, repoPath, "commit", "-m", "initial commit")

	return repoPath
}

func runOrFatal(t *testing.T, repoPath string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return string(output)
}

func headCommit(t *testing.T, repoPath string) string {
	t.Helper()
	return strings.TrimSpace(runOrFatal(t, repoPath, "rev-parse", "HEAD"))
}

// samplePatch is a unified diff adding feature.txt, captured by diffing a
// scratch clone so the exact blob/index lines always match repoPath's tree.
func samplePatch(t *testing.T, repoPath string) string {
	t.Helper()

	scratch := t.TempDir()
	cmd := exec.Command("git", "clone", repoPath, scratch)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git clone: %v (output: %s)", err, string(output))
	}
	if err := os.WriteFile(filepath.Join(scratch, "feature.txt"), []byte("new feature\n"), 0644); err != nil {
		t.Fatalf("writing feature file: %v", err)
	}
	runOrFatal(t, scratch, "add", "feature.txt")

	diffCmd := exec.Command("git", "diff", "--cached")
	diffCmd.Dir = scratch
	out, err := diffCmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git diff --cached: %v", err)
	}
	return string(out)
}

func TestCommit_SuccessfulPatchProducesBranchAndCommit(t *testing.T) {
	repoPath := setupTestRepo(t)
	patch := samplePatch(t, repoPath)

	ctx := context.Background()
	c, err := New(ctx, repoPath, RecoveryPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	anchor := c.Anchor()

	results := []scheduler.TaskResult{
		{
			Task:   scheduler.Task{ID: "t1", Title: "add feature", Description: "adds feature.txt"},
			Status: scheduler.StatusSuccess,
			Report: "added the file",
			Patch:  patch,
		},
	}

	summary, err := c.Commit(ctx, results)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if summary.Total != 1 || summary.Successful != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	record := summary.Records[0]
	if !record.Success {
		t.Fatalf("expected record success, got error: %s", record.Error)
	}
	if record.Branch == "" {
		t.Fatal("expected a branch name to be recorded")
	}

	if got := headCommit(t, repoPath); got != anchor {
		t.Errorf("expected working tree back on anchor %s, got %s", anchor, got)
	}

	branchOut := runOrFatal(t, repoPath, "branch", "--list", record.Branch)
	if !strings.Contains(branchOut, record.Branch) {
		t.Errorf("expected branch %s to exist, git branch output: %s", record.Branch, branchOut)
	}

	showOut := runOrFatal(t, repoPath, "show", record.Branch+":feature.txt")
	if strings.TrimSpace(showOut) != "new feature" {
		t.Errorf("expected feature.txt content on branch, got: %q", showOut)
	}

	logOut := runOrFatal(t, repoPath, "log", "-1", "--format=%s", record.Branch)
	if !strings.Contains(logOut, "add feature") {
		t.Errorf("expected commit message to mention task title, got: %s", logOut)
	}
}

func TestCommit_EmptyPatchIsNoOpSuccess(t *testing.T) {
	repoPath := setupTestRepo(t)
	ctx := context.Background()

	c, err := New(ctx, repoPath, RecoveryPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	anchor := c.Anchor()

	results := []scheduler.TaskResult{
		{
			Task:   scheduler.Task{ID: "t1", Title: "nothing to do"},
			Status: scheduler.StatusSkipped,
			Report: "no changes needed",
			Patch:  "",
		},
	}

	summary, err := c.Commit(ctx, results)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if summary.Successful != 1 || summary.Failed != 0 {
		t.Fatalf("expected a no-op success, got %+v", summary)
	}
	if summary.Records[0].Branch != "" {
		t.Errorf("expected no branch for an empty patch, got %q", summary.Records[0].Branch)
	}
	if got := headCommit(t, repoPath); got != anchor {
		t.Errorf("expected working tree back on anchor %s, got %s", anchor, got)
	}
}

func TestCommit_MalformedPatchRecordsFailureAndRestoresAnchor(t *testing.T) {
	repoPath := setupTestRepo(t)
	ctx := context.Background()

	c, err := New(ctx, repoPath, RecoveryPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	anchor := c.Anchor()

	results := []scheduler.TaskResult{
		{
			Task:   scheduler.Task{ID: "t1", Title: "broken patch"},
			Status: scheduler.StatusSuccess,
			Patch:  "this is not a valid unified diff\n",
		},
	}

	summary, err := c.Commit(ctx, results)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected the malformed patch to fail, got %+v", summary)
	}
	if !strings.Contains(summary.Records[0].Error, "applying patch") {
		t.Errorf("expected error to mention patch application, got: %s", summary.Records[0].Error)
	}
	if got := headCommit(t, repoPath); got != anchor {
		t.Errorf("expected working tree back on anchor %s, got %s", anchor, got)
	}
}

func TestCommit_MissingTaskFieldsFailsWithoutTouchingRepo(t *testing.T) {
	repoPath := setupTestRepo(t)
	ctx := context.Background()

	c, err := New(ctx, repoPath, RecoveryPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := []scheduler.TaskResult{
		{Task: scheduler.Task{ID: "", Title: ""}, Status: scheduler.StatusSuccess, Patch: "whatever"},
	}

	summary, err := c.Commit(ctx, results)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected failure for missing task fields, got %+v", summary)
	}
	if !strings.Contains(summary.Records[0].Error, "missing id, title, or status") {
		t.Errorf("unexpected error: %s", summary.Records[0].Error)
	}
}

func TestCommit_DirtyTreeWithNoRecoveryPolicyFailsFast(t *testing.T) {
	repoPath := setupTestRepo(t)
	if err := os.WriteFile(filepath.Join(repoPath, "uncommitted.txt"), []byte("dirty\n"), 0644); err != nil {
		t.Fatalf("writing dirty file: %v", err)
	}

	ctx := context.Background()
	c, err := New(ctx, repoPath, RecoveryPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Commit(ctx, nil)
	if err == nil {
		t.Fatal("expected Commit to fail fast on a dirty tree with no recovery policy")
	}
	if !strings.Contains(err.Error(), "no recovery strategy") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCommit_AutoStashRoundTripsUncommittedChanges(t *testing.T) {
	repoPath := setupTestRepo(t)
	if err := os.WriteFile(filepath.Join(repoPath, "uncommitted.txt"), []byte("dirty\n"), 0644); err != nil {
		t.Fatalf("writing dirty file: %v", err)
	}

	ctx := context.Background()
	c, err := New(ctx, repoPath, RecoveryPolicy{AutoStash: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := c.Commit(ctx, nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("expected empty batch, got %+v", summary)
	}

	if _, err := os.Stat(filepath.Join(repoPath, "uncommitted.txt")); err != nil {
		t.Errorf("expected stashed file restored after Commit, stat error: %v", err)
	}
}

func TestCommit_AutoCommitAbsorbsDirtyTree(t *testing.T) {
	repoPath := setupTestRepo(t)
	if err := os.WriteFile(filepath.Join(repoPath, "uncommitted.txt"), []byte("dirty\n"), 0644); err != nil {
		t.Fatalf("writing dirty file: %v", err)
	}

	ctx := context.Background()
	c, err := New(ctx, repoPath, RecoveryPolicy{AutoCommit: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Commit(ctx, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	status := runOrFatal(t, repoPath, "status", "--porcelain")
	if strings.TrimSpace(status) != "" {
		t.Errorf("expected clean tree after auto-commit absorbed the dirty file, got: %q", status)
	}
}

func TestCommit_IgnoreUntrackedAllowsOnlyUntrackedFiles(t *testing.T) {
	repoPath := setupTestRepo(t)
	if err := os.WriteFile(filepath.Join(repoPath, "scratch.txt"), []byte("untracked\n"), 0644); err != nil {
		t.Fatalf("writing untracked file: %v", err)
	}

	ctx := context.Background()
	c, err := New(ctx, repoPath, RecoveryPolicy{IgnoreUntracked: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Commit(ctx, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(filepath.Join(repoPath, "scratch.txt")); err != nil {
		t.Errorf("expected untracked file left in place, stat error: %v", err)
	}
}

func TestCommit_IgnoreUntrackedRejectsTrackedModifications(t *testing.T) {
	repoPath := setupTestRepo(t)
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("modified\n"), 0644); err != nil {
		t.Fatalf("modifying tracked file: %v", err)
	}

	ctx := context.Background()
	c, err := New(ctx, repoPath, RecoveryPolicy{IgnoreUntracked: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Commit(ctx, nil)
	if err == nil {
		t.Fatal("expected failure: a tracked modification is not covered by IgnoreUntracked")
	}
}

func TestCommit_BackupBranchCreatedBeforeOtherRecovery(t *testing.T) {
	repoPath := setupTestRepo(t)
	if err := os.WriteFile(filepath.Join(repoPath, "uncommitted.txt"), []byte("dirty\n"), 0644); err != nil {
		t.Fatalf("writing dirty file: %v", err)
	}

	ctx := context.Background()
	c, err := New(ctx, repoPath, RecoveryPolicy{AutoStash: true, BackupBranch: "backup-before-batch"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Commit(ctx, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	branchOut := runOrFatal(t, repoPath, "branch", "--list", "backup-before-batch")
	if !strings.Contains(branchOut, "backup-before-batch") {
		t.Errorf("expected backup branch to exist, git branch output: %s", branchOut)
	}
}

func TestCommit_MultipleTasksEachRestoreAnchorBetweenRuns(t *testing.T) {
	repoPath := setupTestRepo(t)
	patch := samplePatch(t, repoPath)

	ctx := context.Background()
	c, err := New(ctx, repoPath, RecoveryPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	anchor := c.Anchor()

	results := []scheduler.TaskResult{
		{Task: scheduler.Task{ID: "t1", Title: "first"}, Status: scheduler.StatusSuccess, Patch: patch},
		{Task: scheduler.Task{ID: "t2", Title: "second"}, Status: scheduler.StatusSuccess, Patch: "not a valid diff"},
		{Task: scheduler.Task{ID: "t3", Title: "third"}, Status: scheduler.StatusSkipped, Patch: ""},
	}

	summary, err := c.Commit(ctx, results)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if summary.Total != 3 || summary.Successful != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := headCommit(t, repoPath); got != anchor {
		t.Errorf("expected working tree back on anchor %s after batch, got %s", anchor, got)
	}

	for _, r := range summary.Records {
		if r.ID == "t1" && (!r.Success || r.Branch == "") {
			t.Errorf("expected t1 to succeed with a branch, got %+v", r)
		}
		if r.ID == "t2" && r.Success {
			t.Errorf("expected t2 to fail on a malformed patch, got %+v", r)
		}
		if r.ID == "t3" && (!r.Success || r.Branch != "") {
			t.Errorf("expected t3 to be a no-op success, got %+v", r)
		}
	}
}
