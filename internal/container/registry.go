package container

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry tracks all container handles started during a run so that
// the Orchestrator can guarantee every container gets shut down, even on
// cancellation or panic recovery paths.
//
// Grounded on the keyed-registration pattern the teacher used for
// per-file locks (internal/scheduler/locks.go) and for tracked
// subprocesses (internal/backend/process.go's ProcessManager) — here
// keyed by container name instead of file path or pid.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]*Handle
}

// NewRegistry creates an empty container handle registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Track registers a handle so ShutdownAll can reach it later.
func (r *Registry) Track(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.Name()] = h
}

// Untrack removes a handle after its owner has shut it down normally.
func (r *Registry) Untrack(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, h.Name())
}

// Count returns the number of currently tracked handles.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// ShutdownAll forcibly removes every still-tracked container, in
// parallel, and waits for all of them to finish before returning — a
// genuine barrier, unlike the scheduler's dispatch loop, since the caller
// needs every container gone before it can consider the run torn down.
// Used on orchestrator-level cancellation and as a final safety net on
// exit so no container from the run outlives the process.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	// Plain errgroup, not errgroup.WithContext: one container's shutdown
	// failure must not cancel the context the others are shutting down
	// with, or a single stuck container could abort cleanup of the rest.
	var g errgroup.Group
	g.SetLimit(8)

	for _, h := range handles {
		h := h
		g.Go(func() error {
			err := h.Shutdown(ctx)
			r.Untrack(h)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("errors shutting down container(s): %w", err)
	}
	return nil
}
