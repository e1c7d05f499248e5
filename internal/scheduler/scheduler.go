package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// SolverFunc drives one Task to a terminal TaskResult. It must never panic
// across the Scheduler boundary — Run recovers from a panicking SolverFunc
// and converts it into a failure TaskResult, exactly as an ordinary error
// would be (spec §4.5 failure isolation).
type SolverFunc func(ctx context.Context, task Task) TaskResult

// Scheduler drains a queue of Tasks through SolverFunc invocations, at most
// maxParallel at once (spec §4.5). followingTasks is treated as a weak
// ordering hint: a successor becomes eligible once at least one of its
// predecessors has reached a terminal state (spec §4.5; §9 leaves "all
// predecessors terminal" as an equally legitimate strengthening, but this
// implementation takes the documented minimum).
type Scheduler struct {
	maxParallel int
}

// New creates a Scheduler bounded to maxParallel concurrent solvers.
func New(maxParallel int) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Scheduler{maxParallel: maxParallel}
}

// Run dispatches tasks in submission order (modulo followingTasks
// constraints), running at most maxParallel SolverFunc invocations
// concurrently, and returns one TaskResult per task once both pending and
// active are empty (spec §4.5 termination condition).
//
// Run validates followingTasks as a DAG (cycle detection via toposort) up
// front — a legitimate strengthening of the weak-hint default per spec §9.
// On cancellation (ctx.Done), Run stops dispatching new solvers; already
// active solvers are expected to observe the same ctx and abandon their
// containers, surfacing as failure results — Run does not force that
// itself, it only stops feeding the pipeline.
func (s *Scheduler) Run(ctx context.Context, tasks []Task, solve SolverFunc) ([]TaskResult, error) {
	if err := validateDAG(tasks); err != nil {
		return nil, err
	}

	predecessors := buildPredecessors(tasks)

	var mu sync.Mutex
	cond := sync.NewCond(&mu)

	pending := make([]Task, len(tasks))
	copy(pending, tasks)

	// Every task gets a result the moment it's submitted, not just the
	// moment it's dispatched: this is what lets every early-exit path
	// below (cancellation, unsatisfiable dependencies) hand back a
	// terminal result for tasks that never ran, keeping |TaskResults| =
	// |Tasks| regardless of how Run exits (spec §8).
	resultsByID := make(map[string]TaskResult, len(tasks))
	completed := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		r := NewPendingResult(t)
		resultsByID[t.ID] = r
		completed = append(completed, r)
	}
	active := 0

	// cancelRemaining converts every still-not-started result into a
	// terminal failure in place, so completed always reflects the final
	// outcome even though it was populated eagerly above.
	cancelRemaining := func(reason string) {
		for i, r := range completed {
			if r.Status != StatusNotStarted {
				continue
			}
			r.Status = StatusFailure
			r.Report = reason
			completed[i] = r
			resultsByID[r.ID] = r
		}
	}

	isEligible := func(t Task) bool {
		preds := predecessors[t.ID]
		if len(preds) == 0 {
			return true
		}
		for _, p := range preds {
			if r, ok := resultsByID[p]; ok && r.Terminal() {
				return true
			}
		}
		return false
	}

	indexByID := make(map[string]int, len(tasks))
	for i, r := range completed {
		indexByID[r.ID] = i
	}

	dispatchOne := func(t Task) {
		active++
		go func() {
			result := runSolverSafely(ctx, t, solve)

			mu.Lock()
			active--
			resultsByID[t.ID] = result
			completed[indexByID[t.ID]] = result
			cond.Broadcast()
			mu.Unlock()
		}()
	}

	mu.Lock()
	for {
		if len(pending) == 0 && active == 0 {
			break
		}

		dispatchedThisRound := false
		if ctx.Err() == nil {
			for i := 0; i < len(pending) && active < s.maxParallel; {
				if isEligible(pending[i]) {
					t := pending[i]
					pending = append(pending[:i], pending[i+1:]...)
					dispatchOne(t)
					dispatchedThisRound = true
					continue
				}
				i++
			}
		}

		if len(pending) == 0 && active == 0 {
			break
		}
		if !dispatchedThisRound {
			if active == 0 {
				// Nothing eligible, nothing running, but pending remains:
				// dependencies can never resolve (e.g. cancelled before
				// dispatch, or a predecessor was never submitted). Stop.
				reason := "never dispatched: dependencies unsatisfiable"
				if ctx.Err() != nil {
					reason = "cancelled before dispatch"
				}
				cancelRemaining(reason)
				break
			}
			cond.Wait()
		}
	}
	mu.Unlock()

	return completed, nil
}

// runSolverSafely invokes solve, converting a panic into a failure
// TaskResult so it never propagates to sibling solvers (spec §4.5).
func runSolverSafely(ctx context.Context, t Task, solve SolverFunc) (result TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			result = TaskResult{
				Task:   t,
				Status: StatusFailure,
				Report: fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return solve(ctx, t)
}

func buildPredecessors(tasks []Task) map[string][]string {
	predecessors := make(map[string][]string)
	for _, t := range tasks {
		for _, successorID := range t.FollowingTasks {
			predecessors[successorID] = append(predecessors[successorID], t.ID)
		}
	}
	return predecessors
}

// validateDAG runs a topological sort over followingTasks edges purely to
// detect cycles; the computed order is not otherwise used, since dispatch
// order is governed by submission order plus the eligibility predicate.
func validateDAG(tasks []Task) error {
	var edges []toposort.Edge
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
	}

	for _, t := range tasks {
		if len(t.FollowingTasks) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, successorID := range t.FollowingTasks {
			edges = append(edges, toposort.Edge{t.ID, successorID})
		}
	}

	if len(edges) == 0 {
		return nil
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("followingTasks forms a cycle: %w", err)
	}

	seen := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		if id != nil {
			seen[id.(string)] = true
		}
	}
	var missing []string
	for id := range ids {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("followingTasks references task(s) not present in this run: %v", missing)
	}

	return nil
}
