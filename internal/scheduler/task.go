// Package scheduler owns the task queue and enforces the parallelism cap
// (spec §4.5): it drains a dependency-hinted queue of Tasks through Task
// Solvers, at most maxParallelContainers at once.
package scheduler

import "time"

// Task is an atomic instruction for the agent (spec §3). Produced by the
// Analyzer, consumed exactly once by the Scheduler, then immutable.
type Task struct {
	ID             string
	Title          string
	Description    string
	Priority       int      // 1..5, higher = more urgent
	FollowingTasks []string // optional ordered successor task ids (DAG edges, a weak hint)
}

// ResultStatus is the terminal (or not-yet-terminal) state of a TaskResult.
type ResultStatus string

const (
	StatusNotStarted ResultStatus = "not_started"
	StatusSuccess    ResultStatus = "success"
	StatusSkipped    ResultStatus = "skipped"
	StatusFailure    ResultStatus = "failure"
)

// TaskResult is the outcome of solving one Task (spec §3). Created in
// StatusNotStarted by the Scheduler, mutated only by the owning Task
// Solver until terminal, then immutable; visible to the Patch Committer
// in batch only.
type TaskResult struct {
	Task

	Status      ResultStatus
	Report      string // natural-language summary; empty until terminal
	CompletedAt time.Time
	Patch       string // unified-diff text; present iff Status=success and non-no-op
}

// Terminal reports whether the result has reached a final status.
func (r TaskResult) Terminal() bool {
	return r.Status != StatusNotStarted
}

// NewPendingResult creates the not-yet-started TaskResult a task starts
// life as; Scheduler.Run creates one for every submitted task before any
// dispatch.
func NewPendingResult(t Task) TaskResult {
	return TaskResult{Task: t, Status: StatusNotStarted}
}
