// Package orchestrator drives one run of the system end to end: Analyzer,
// then Scheduler (fanning out Task Solvers), then Patch Committer, with
// run-history persistence and event publication threaded through (spec.md
// §4.8). It supersedes the teacher's ParallelRunner, whose DAG-wave and
// worktree-merge machinery is fully subsumed by the already-linear
// Analyzer -> Scheduler -> Solver -> Patch Committer pipeline.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/szzii/full-self-coding/internal/analyzer"
	"github.com/szzii/full-self-coding/internal/container"
	"github.com/szzii/full-self-coding/internal/events"
	"github.com/szzii/full-self-coding/internal/patchcommit"
	"github.com/szzii/full-self-coding/internal/persistence"
	"github.com/szzii/full-self-coding/internal/scheduler"
	"github.com/szzii/full-self-coding/internal/solver"
)

// Config wires together everything one run needs. Store, Bus, and
// Registry are all optional: a nil Store skips persistence, a nil Bus
// skips event publication, and a nil Registry gets a fresh one.
type Config struct {
	RunID    string // empty generates a new one
	RepoPath string // host working repository; also where the remote URL is derived from
	LogDir   string // empty uses the OS-conventional logs directory (spec.md §6)

	MaxParallelContainers int

	Analyzer       analyzer.Config
	Solver         solver.Config
	RecoveryPolicy patchcommit.RecoveryPolicy

	// UseSSHRemote picks the SSH form (git@host:path.git) of the derived
	// repository remote for agent.InvocationConfig.RepoURL, rather than
	// the HTTPS form (spec.md §6). Ignored when the remote can't be
	// derived or doesn't look like a git host URL.
	UseSSHRemote bool

	Store    persistence.Store
	Bus      *events.EventBus
	Registry *container.Registry
}

// RunReport is the JSON document written to the run log (spec.md §6:
// "the JSON-serialized list of all TaskResults") plus the run metadata
// needed to make that list self-describing on its own.
type RunReport struct {
	RunID        string                 `json:"runId"`
	RepoURL      string                 `json:"repoUrl"`
	StartedAt    time.Time              `json:"startedAt"`
	FinishedAt   time.Time              `json:"finishedAt"`
	AnchorCommit string                 `json:"anchorCommit"`
	Tasks        []scheduler.TaskResult `json:"tasks"`
	Commit       patchcommit.Summary    `json:"commit"`
	Error        string                 `json:"error,omitempty"`
}

// Orchestrator runs one end-to-end pass of the pipeline.
type Orchestrator struct {
	cfg Config

	// resolvedRepoURL is the repo URL Run derived (or, failing that, the
	// one already configured on cfg.Analyzer.Invocation), reformatted per
	// cfg.UseSSHRemote. solveOne reads it to feed the Solver's invocation.
	resolvedRepoURL string
}

// New validates and wraps cfg. It does not start anything.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("orchestrator: RepoPath is required")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Registry == nil {
		cfg.Registry = container.NewRegistry()
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Run sequences Analyzer -> Scheduler -> Patch Committer for one pass over
// cfg.RepoPath, persists progress as it goes, and always writes a run
// report, even on failure or cancellation, before returning.
//
// On exit, Run guarantees two things regardless of outcome: the host
// repository's working tree is back on the commit it started on (the
// Patch Committer's own invariant), and every container this run started
// is shut down (cfg.Registry.ShutdownAll as the final safety net, since
// each component already shuts down its own containers on its own exit
// path; the registry only catches what a leaked goroutine or an
// in-flight exec left behind).
func (o *Orchestrator) Run(ctx context.Context) (RunReport, error) {
	cfg := o.cfg
	report := RunReport{RunID: cfg.RunID, StartedAt: time.Now()}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cfg.Registry.ShutdownAll(shutdownCtx); err != nil {
			log.Printf("orchestrator[%s]: final container cleanup: %v", cfg.RunID, err)
		}
	}()

	repoURL, err := remoteURL(ctx, cfg.RepoPath)
	if err != nil {
		log.Printf("orchestrator[%s]: deriving remote URL (continuing without it): %v", cfg.RunID, err)
	}
	report.RepoURL = repoURL

	o.resolvedRepoURL = cfg.Analyzer.Invocation.RepoURL
	if repoURL != "" {
		o.resolvedRepoURL = formatRemoteURL(repoURL, cfg.UseSSHRemote)
	}

	committer, err := patchcommit.New(ctx, cfg.RepoPath, cfg.RecoveryPolicy)
	if err != nil {
		return o.finish(report, fmt.Errorf("capturing anchor commit: %w", err))
	}
	report.AnchorCommit = committer.Anchor()

	analyzerCfg := cfg.Analyzer
	analyzerCfg.Registry = cfg.Registry
	analyzerCfg.Invocation.RepoURL = o.resolvedRepoURL
	tasks, err := analyzer.Run(ctx, analyzerCfg)
	if err != nil {
		return o.finish(report, fmt.Errorf("analyzer: %w", err))
	}

	if cfg.Store != nil {
		if err := cfg.Store.StartRun(ctx, cfg.RunID, repoURL, tasks); err != nil {
			log.Printf("orchestrator[%s]: recording run start (continuing): %v", cfg.RunID, err)
		}
	}

	sched := scheduler.New(cfg.MaxParallelContainers)
	results, err := sched.Run(ctx, tasks, o.solveOne)
	if err != nil {
		return o.finish(report, fmt.Errorf("scheduler: %w", err))
	}
	report.Tasks = results

	summary, err := committer.Commit(ctx, results)
	report.AnchorCommit = committer.Anchor()
	if err != nil {
		return o.finish(report, fmt.Errorf("patch committer: %w", err))
	}
	report.Commit = summary

	if cfg.Store != nil {
		if err := cfg.Store.FinishRun(ctx, cfg.RunID, committer.Anchor()); err != nil {
			log.Printf("orchestrator[%s]: recording run finish (continuing): %v", cfg.RunID, err)
		}
	}

	return o.finish(report, nil)
}

// solveOne adapts solver.Solve into a scheduler.SolverFunc: it publishes
// lifecycle events and persists each result as soon as it is terminal, so
// a crash mid-run still leaves partial history behind.
func (o *Orchestrator) solveOne(ctx context.Context, task scheduler.Task) scheduler.TaskResult {
	o.publish(events.TopicTask, events.TaskStartedEvent{
		ID:        task.ID,
		Name:      task.Title,
		AgentRole: string(o.cfg.Analyzer.Family),
		Timestamp: time.Now(),
	})

	solverCfg := o.cfg.Solver
	solverCfg.Registry = o.cfg.Registry
	solverCfg.Invocation.RepoURL = o.resolvedRepoURL
	started := time.Now()
	result := solver.Solve(ctx, solverCfg, task)

	switch result.Status {
	case scheduler.StatusSuccess, scheduler.StatusSkipped:
		o.publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        task.ID,
			Result:    result.Report,
			Duration:  time.Since(started),
			Timestamp: time.Now(),
		})
	default:
		o.publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Err:       fmt.Errorf("%s", result.Report),
			Duration:  time.Since(started),
			Timestamp: time.Now(),
		})
	}

	if o.cfg.Store != nil {
		if err := o.cfg.Store.SaveResult(ctx, o.cfg.RunID, result); err != nil {
			log.Printf("orchestrator[%s]: saving result for task %s: %v", o.cfg.RunID, task.ID, err)
		}
	}

	return result
}

func (o *Orchestrator) publish(topic string, e events.Event) {
	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(topic, e)
	}
}

// finish stamps report's completion time and error, writes it to the run
// log, prints a human-readable summary, and returns it alongside runErr
// so callers see both the structured report and a Go error to act on.
func (o *Orchestrator) finish(report RunReport, runErr error) (RunReport, error) {
	report.FinishedAt = time.Now()
	if runErr != nil {
		report.Error = runErr.Error()
	}

	path, err := o.writeReport(report)
	if err != nil {
		log.Printf("orchestrator[%s]: writing run report: %v", o.cfg.RunID, err)
	} else {
		o.printSummary(report, path)
	}

	return report, runErr
}

func (o *Orchestrator) writeReport(report RunReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling run report: %w", err)
	}

	filename := fmt.Sprintf("run-%s-%s.json", report.StartedAt.UTC().Format("20060102T150405Z"), report.RunID)

	var path string
	if o.cfg.LogDir != "" {
		if err := os.MkdirAll(o.cfg.LogDir, 0o755); err != nil {
			return "", fmt.Errorf("creating log directory: %w", err)
		}
		path = filepath.Join(o.cfg.LogDir, filename)
	} else {
		path, err = xdg.StateFile(filepath.Join("full-self-coding", "logs", filename))
		if err != nil {
			return "", fmt.Errorf("resolving run log path: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing run report to %s: %w", path, err)
	}
	return path, nil
}

func (o *Orchestrator) printSummary(report RunReport, path string) {
	elapsed := humanize.RelTime(report.StartedAt, report.FinishedAt, "", "")

	var succeeded, skipped, failed int
	for _, t := range report.Tasks {
		switch t.Status {
		case scheduler.StatusSuccess:
			succeeded++
		case scheduler.StatusSkipped:
			skipped++
		case scheduler.StatusFailure:
			failed++
		}
	}

	fmt.Fprintf(os.Stderr, "run %s started %s, took %s: %s succeeded, %s skipped, %s failed (%s branches committed, %s failed)\n",
		report.RunID,
		humanize.Time(report.StartedAt),
		elapsed,
		humanize.Comma(int64(succeeded)), humanize.Comma(int64(skipped)), humanize.Comma(int64(failed)),
		humanize.Comma(int64(report.Commit.Successful)), humanize.Comma(int64(report.Commit.Failed)),
	)
	fmt.Fprintf(os.Stderr, "run log: %s\n", path)
}

// remoteURL shells out to the host repository's git the same way
// internal/patchcommit does, rather than parsing .git/config directly.
func remoteURL(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "remote", "get-url", "origin")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git remote get-url origin: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// formatRemoteURL reformats raw as the SSH or HTTPS form of the same git
// remote, per useSSH (spec.md §6 UseSSHRemote). raw is returned unchanged
// if it doesn't look like a recognized git host URL, so a remote the
// agent build commands already know how to clone (e.g. a local path)
// passes through untouched.
func formatRemoteURL(raw string, useSSH bool) string {
	host, path, ok := splitRemoteURL(raw)
	if !ok {
		return raw
	}
	if useSSH {
		return fmt.Sprintf("git@%s:%s", host, path)
	}
	return fmt.Sprintf("https://%s/%s", host, path)
}

// splitRemoteURL pulls the host and path out of the three remote forms
// git commonly hands back from "remote get-url": "git@host:path",
// "ssh://git@host/path", and "https://host/path". The trailing ".git"
// suffix, if present, is preserved in path.
func splitRemoteURL(raw string) (host, path string, ok bool) {
	switch {
	case strings.HasPrefix(raw, "ssh://"):
		rest := strings.TrimPrefix(raw, "ssh://")
		rest = strings.TrimPrefix(rest, "git@")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		return parts[0], parts[1], true
	case strings.HasPrefix(raw, "https://"):
		rest := strings.TrimPrefix(raw, "https://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		return parts[0], parts[1], true
	case strings.HasPrefix(raw, "git@"):
		rest := strings.TrimPrefix(raw, "git@")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}
