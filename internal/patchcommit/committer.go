// Package patchcommit turns a batch of successful TaskResults into one
// branch per task in the host working repository, each branch rooted at
// a stable anchor commit (spec.md §4.7).
package patchcommit

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/szzii/full-self-coding/internal/scheduler"
)

// RecoveryPolicy composes independent strategies for a dirty working
// tree, checked in this priority order when the tree is not already
// clean: BackupBranch (always applied first, never mutually exclusive
// with the others), then AutoStash, then AutoCommit, then
// IgnoreUntracked. If none apply and the tree is dirty, Commit fails
// fast before touching any container-produced patch.
type RecoveryPolicy struct {
	AutoStash       bool
	AutoCommit      bool
	IgnoreUntracked bool
	BackupBranch    string // non-empty: name of a branch to create at the current tip first
}

// TaskRecord is one line of the Commit summary.
type TaskRecord struct {
	ID      string
	Title   string
	Branch  string
	Success bool
	Error   string
}

// Summary is the aggregate outcome of a Commit batch (spec.md §4.7
// "Output").
type Summary struct {
	Total      int
	Successful int
	Failed     int
	Records    []TaskRecord
}

// Committer owns the host working repository for the duration of one
// Commit batch. The anchor commit is captured at construction time
// (spec.md §4.7: "repository HEAD at Patch Committer construction").
type Committer struct {
	repoPath string
	policy   RecoveryPolicy
	anchor   string
	stashed  bool
}

// New captures the current HEAD as the anchor commit for repoPath.
func New(ctx context.Context, repoPath string, policy RecoveryPolicy) (*Committer, error) {
	anchor, err := runGit(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving anchor commit: %w", err)
	}
	return &Committer{repoPath: repoPath, policy: policy, anchor: strings.TrimSpace(anchor)}, nil
}

// Anchor returns the commit Commit will leave the working tree on,
// regardless of the batch outcome.
func (c *Committer) Anchor() string { return c.anchor }

// Commit applies one branch per successful, non-empty-patch TaskResult
// in results, restoring the working tree to the anchor commit on every
// exit path (spec.md invariant: "Host-repository working tree, on
// Orchestrator exit, is on the same commit it started on").
func (c *Committer) Commit(ctx context.Context, results []scheduler.TaskResult) (Summary, error) {
	if err := c.prepareWorkingTree(ctx); err != nil {
		return Summary{}, err
	}
	defer c.restoreWorkingTree(ctx)

	summary := Summary{Total: len(results)}

	for _, r := range results {
		record := c.commitOne(ctx, r)
		summary.Records = append(summary.Records, record)
		if record.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}

		if _, err := runGit(ctx, c.repoPath, "reset", "--hard", c.anchor); err != nil {
			log.Printf("patchcommit: reset to anchor between tasks: %v", err)
		}
		if _, err := runGit(ctx, c.repoPath, "clean", "-fd"); err != nil {
			log.Printf("patchcommit: clean untracked between tasks: %v", err)
		}
	}

	return summary, nil
}

// commitOne runs the per-task procedure of spec.md §4.7 steps 1-8 and
// always leaves the tree back on the anchor, whether or not it succeeded.
func (c *Committer) commitOne(ctx context.Context, r scheduler.TaskResult) TaskRecord {
	if r.ID == "" || r.Title == "" || r.Status == "" {
		return TaskRecord{ID: r.ID, Title: r.Title, Success: false, Error: "task result missing id, title, or status"}
	}

	if strings.TrimSpace(r.Patch) == "" {
		return TaskRecord{ID: r.ID, Title: r.Title, Success: true}
	}

	// Detach back onto the anchor on every path from here on, so the reset
	// Commit runs between tasks never moves this task's branch.
	defer func() {
		if _, err := runGit(ctx, c.repoPath, "checkout", "--detach", c.anchor); err != nil {
			log.Printf("patchcommit: returning to anchor after task %s: %v", r.ID, err)
		}
	}()

	if _, err := runGit(ctx, c.repoPath, "checkout", "--detach", c.anchor); err != nil {
		return TaskRecord{ID: r.ID, Title: r.Title, Success: false, Error: fmt.Sprintf("checking out anchor: %v", err)}
	}

	branch := fmt.Sprintf("task-%s-%d", r.ID, time.Now().UnixMilli())
	if _, err := runGit(ctx, c.repoPath, "checkout", "-b", branch); err != nil {
		return TaskRecord{ID: r.ID, Title: r.Title, Branch: branch, Success: false, Error: fmt.Sprintf("creating branch: %v", err)}
	}

	if err := applyPatch(ctx, c.repoPath, r.Patch); err != nil {
		return TaskRecord{ID: r.ID, Title: r.Title, Branch: branch, Success: false, Error: fmt.Sprintf("applying patch: %v", err)}
	}

	if _, err := runGit(ctx, c.repoPath, "add", "-A"); err != nil {
		return TaskRecord{ID: r.ID, Title: r.Title, Branch: branch, Success: false, Error: fmt.Sprintf("staging changes: %v", err)}
	}

	if _, err := runGit(ctx, c.repoPath, "commit", "-m", commitMessage(r)); err != nil {
		return TaskRecord{ID: r.ID, Title: r.Title, Branch: branch, Success: false, Error: fmt.Sprintf("committing: %v", err)}
	}

	return TaskRecord{ID: r.ID, Title: r.Title, Branch: branch, Success: true}
}

// commitMessage builds the structured commit message of spec.md §6
// (design-level format, not byte-exact).
func commitMessage(r scheduler.TaskResult) string {
	glyph := "✗"
	if r.Status == scheduler.StatusSuccess {
		glyph = "✓"
	}

	report := r.Report
	const maxReportLen = 500
	if len(report) > maxReportLen {
		report = report[:maxReportLen] + "..."
	}

	completed := "N/A"
	if !r.CompletedAt.IsZero() {
		completed = r.CompletedAt.Format(time.RFC3339)
	}

	return fmt.Sprintf(
		"%s Task %s: %s\n\nTask Description: %s\n\nReport: %s\n\nStatus: %s\nCompleted: %s",
		glyph, r.ID, r.Title, r.Description, report, r.Status, completed,
	)
}

// prepareWorkingTree applies RecoveryPolicy if the tree is dirty,
// failing fast if it is dirty and no strategy was opted into.
func (c *Committer) prepareWorkingTree(ctx context.Context) error {
	dirty, err := c.isDirty(ctx)
	if err != nil {
		return fmt.Errorf("checking working tree status: %w", err)
	}
	if !dirty {
		return nil
	}

	if c.policy.BackupBranch != "" {
		if _, err := runGit(ctx, c.repoPath, "branch", c.policy.BackupBranch, "HEAD"); err != nil {
			return fmt.Errorf("creating backup branch %q: %w", c.policy.BackupBranch, err)
		}
	}

	switch {
	case c.policy.AutoStash:
		args := []string{"stash", "push"}
		if !c.policy.IgnoreUntracked {
			args = append(args, "-u")
		}
		if _, err := runGit(ctx, c.repoPath, args...); err != nil {
			return fmt.Errorf("auto-stashing dirty tree: %w", err)
		}
		c.stashed = true
		return nil

	case c.policy.AutoCommit:
		addArgs := []string{"add", "-A"}
		if c.policy.IgnoreUntracked {
			addArgs = []string{"add", "-u"}
		}
		if _, err := runGit(ctx, c.repoPath, addArgs...); err != nil {
			return fmt.Errorf("staging dirty tree for auto-commit: %w", err)
		}
		if _, err := runGit(ctx, c.repoPath, "commit", "-m", "WIP: auto-commit before patch application batch"); err != nil {
			return fmt.Errorf("auto-committing dirty tree: %w", err)
		}
		return nil

	case c.policy.IgnoreUntracked:
		stillDirty, err := c.isDirtyIgnoringUntracked(ctx)
		if err != nil {
			return fmt.Errorf("checking working tree status (ignoring untracked): %w", err)
		}
		if stillDirty {
			return fmt.Errorf("working tree has tracked changes beyond untracked files, and no recovery strategy covers that")
		}
		return nil

	default:
		return fmt.Errorf("working tree is dirty and no recovery strategy was configured")
	}
}

// restoreWorkingTree returns to the anchor commit and, if Commit
// auto-stashed, pops the stash — a pop failure is logged, not fatal
// (spec.md §4.7).
func (c *Committer) restoreWorkingTree(ctx context.Context) {
	if _, err := runGit(ctx, c.repoPath, "checkout", c.anchor); err != nil {
		log.Printf("patchcommit: returning to anchor %s: %v", c.anchor, err)
	}

	if c.stashed {
		if _, err := runGit(ctx, c.repoPath, "stash", "pop"); err != nil {
			log.Printf("patchcommit: popping auto-stash (non-fatal): %v", err)
		}
	}
}

func (c *Committer) isDirty(ctx context.Context) (bool, error) {
	out, err := runGit(ctx, c.repoPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (c *Committer) isDirtyIgnoringUntracked(ctx context.Context) (bool, error) {
	out, err := runGit(ctx, c.repoPath, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// applyPatch applies a unified diff with whitespace-fix tolerance
// (spec.md §6 "Patch format").
func applyPatch(ctx context.Context, repoPath, patch string) error {
	cmd := exec.CommandContext(ctx, "git", "apply", "--whitespace=fix", "-")
	cmd.Dir = repoPath
	cmd.Stdin = strings.NewReader(patch)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func runGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
