// Package registry tracks the cancellable unit of execution behind every
// live run.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide table of run id to cancellation handle. Units
// self-remove on completion, so an entry always maps to a live run.
type Registry struct {
	mu    sync.Mutex
	units map[string]context.CancelFunc
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{units: make(map[string]context.CancelFunc)}
}

// Register derives a cancellable context for the run and records its handle.
// Registering an id that is already live is an error; the coordinator owns
// the one-trigger-one-run discipline.
func (r *Registry) Register(ctx context.Context, runID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[runID]; ok {
		return nil, fmt.Errorf("run %s already registered", runID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.units[runID] = cancel
	return runCtx, nil
}

// Remove drops the run's entry without cancelling it. Called by the unit
// itself when it completes.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, runID)
}

// Cancel signals the run's unit and reports whether a live unit was found.
// The entry stays until the unit observes cancellation and removes itself.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.units[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning reports whether the run has a live unit.
func (r *Registry) IsRunning(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.units[runID]
	return ok
}

// ListRunning returns the ids of all live runs, sorted.
func (r *Registry) ListRunning() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelAll signals every live unit, for shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.units))
	for _, c := range r.units {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
