package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func countingSolver(work time.Duration, current, max *int64) SolverFunc {
	return func(ctx context.Context, t Task) TaskResult {
		n := atomic.AddInt64(current, 1)
		for {
			m := atomic.LoadInt64(max)
			if n <= m || atomic.CompareAndSwapInt64(max, m, n) {
				break
			}
		}
		select {
		case <-time.After(work):
		case <-ctx.Done():
			atomic.AddInt64(current, -1)
			return TaskResult{Task: t, Status: StatusFailure, Report: ctx.Err().Error()}
		}
		atomic.AddInt64(current, -1)
		return TaskResult{Task: t, Status: StatusSuccess, Report: "done"}
	}
}

func TestScheduler_BaselineParallelismCap(t *testing.T) {
	tasks := []Task{
		{ID: "1", Title: "one"},
		{ID: "2", Title: "two"},
		{ID: "3", Title: "three"},
	}

	var current, max int64
	sched := New(2)
	results, err := sched.Run(context.Background(), tasks, countingSolver(20*time.Millisecond, &current, &max))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if max > 2 {
		t.Errorf("expected at most 2 concurrent solvers, observed %d", max)
	}
	for _, r := range results {
		if r.Status != StatusSuccess {
			t.Errorf("task %s: expected success, got %s (%s)", r.ID, r.Status, r.Report)
		}
	}
}

func TestScheduler_SolverTimeoutBecomesFailureWithoutAffectingSiblings(t *testing.T) {
	tasks := []Task{
		{ID: "slow", Title: "slow"},
		{ID: "fast", Title: "fast"},
	}

	sched := New(2)
	solve := func(ctx context.Context, tk Task) TaskResult {
		if tk.ID == "slow" {
			taskCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
			defer cancel()
			select {
			case <-time.After(50 * time.Millisecond):
				return TaskResult{Task: tk, Status: StatusSuccess}
			case <-taskCtx.Done():
				return TaskResult{Task: tk, Status: StatusFailure, Report: "container timed out"}
			}
		}
		return TaskResult{Task: tk, Status: StatusSuccess}
	}

	results, err := sched.Run(context.Background(), tasks, solve)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	byID := map[string]TaskResult{}
	for _, r := range results {
		byID[r.ID] = r
	}

	if byID["slow"].Status != StatusFailure {
		t.Errorf("expected slow task to fail on timeout, got %s", byID["slow"].Status)
	}
	if byID["fast"].Status != StatusSuccess {
		t.Errorf("expected fast task to succeed despite sibling timeout, got %s", byID["fast"].Status)
	}
}

func TestScheduler_FollowingTasksDelaysSuccessorUntilPredecessorTerminal(t *testing.T) {
	tasks := []Task{
		{ID: "A", Title: "first", FollowingTasks: []string{"B"}},
		{ID: "B", Title: "second"},
	}

	var mu sync.Mutex
	var order []string
	startedB := make(chan struct{})

	solve := func(ctx context.Context, tk Task) TaskResult {
		if tk.ID == "A" {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			order = append(order, "A-done")
			mu.Unlock()
			return TaskResult{Task: tk, Status: StatusSuccess}
		}

		close(startedB)
		mu.Lock()
		order = append(order, "B-start")
		mu.Unlock()
		return TaskResult{Task: tk, Status: StatusSuccess}
	}

	sched := New(2)
	_, err := sched.Run(context.Background(), tasks, solve)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case <-startedB:
	default:
		t.Fatal("B never started")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "A-done" || order[1] != "B-start" {
		t.Errorf("expected A to complete before B starts, got order %v", order)
	}
}

func TestScheduler_CapacitySaturationWithTenTasks(t *testing.T) {
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{ID: string(rune('a' + i)), Title: "task"}
	}

	var current, max int64
	sched := New(3)
	results, err := sched.Run(context.Background(), tasks, countingSolver(10*time.Millisecond, &current, &max))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	if max != 3 {
		t.Errorf("expected exactly 3 concurrent solvers under saturation, observed %d", max)
	}
}

func TestScheduler_DetectsFollowingTasksCycle(t *testing.T) {
	tasks := []Task{
		{ID: "A", FollowingTasks: []string{"B"}},
		{ID: "B", FollowingTasks: []string{"A"}},
	}

	sched := New(2)
	_, err := sched.Run(context.Background(), tasks, func(ctx context.Context, tk Task) TaskResult {
		return TaskResult{Task: tk, Status: StatusSuccess}
	})
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestScheduler_CancellationStopsNewDispatch(t *testing.T) {
	tasks := []Task{
		{ID: "1"},
		{ID: "2"},
		{ID: "3"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var started int64
	sched := New(2)
	results, err := sched.Run(ctx, tasks, func(ctx context.Context, tk Task) TaskResult {
		atomic.AddInt64(&started, 1)
		return TaskResult{Task: tk, Status: StatusSuccess}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != len(tasks) {
		t.Fatalf("expected one result per submitted task, got %d", len(results))
	}
	for _, r := range results {
		if !r.Terminal() {
			t.Errorf("task %s: expected a terminal result, got status %q", r.ID, r.Status)
		}
		if r.Status != StatusFailure {
			t.Errorf("task %s: expected StatusFailure for a cancelled-before-dispatch task, got %q", r.ID, r.Status)
		}
	}
	if atomic.LoadInt64(&started) != 0 {
		t.Errorf("expected no solver invocations, got %d", started)
	}
}

func TestScheduler_EmptyTaskList(t *testing.T) {
	sched := New(2)
	results, err := sched.Run(context.Background(), nil, func(ctx context.Context, tk Task) TaskResult {
		t.Fatal("solver should never be called for an empty task list")
		return TaskResult{}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}
