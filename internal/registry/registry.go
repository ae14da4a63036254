// Package registry tracks the active sagas of this process and answers
// aggregate queries. It is the only mutable structure shared across saga
// tasks.
package registry

import (
	"context"
	"fmt"
	"sync"

	"saga-coordinator/internal/observability"
	"saga-coordinator/internal/saga"
	"saga-coordinator/pkg/errors"
)

// Statistics aggregates the registry's current population.
type Statistics struct {
	TotalActive         int                 `json:"total_active"`
	StatusBreakdown     map[saga.Status]int `json:"status_breakdown"`
	TotalSteps          int                 `json:"total_steps"`
	CompletedSteps      int                 `json:"completed_steps"`
	StepCompletionRate  float64             `json:"step_completion_rate"`
	AverageStepsPerSaga float64             `json:"average_steps_per_saga"`
}

// Registry is safe for concurrent use by many engine tasks and readers.
type Registry struct {
	mu      sync.RWMutex
	sagas   map[string]*saga.Saga
	cancels map[string]context.CancelFunc
	metrics *observability.Collector
}

// New creates an empty registry.
func New(metrics *observability.Collector) *Registry {
	return &Registry{
		sagas:   make(map[string]*saga.Saga),
		cancels: make(map[string]context.CancelFunc),
		metrics: metrics,
	}
}

// Register inserts a saga at creation, together with the cancel function of
// its task for abort routing. An ID collision indicates a programming error.
func (r *Registry) Register(s *saga.Saga, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sagas[s.ID]; exists {
		return errors.NewConflict(fmt.Sprintf("saga %s already registered", s.ID))
	}

	r.sagas[s.ID] = s
	if cancel != nil {
		r.cancels[s.ID] = cancel
	}
	if r.metrics != nil {
		r.metrics.ActiveSagas.Set(float64(len(r.sagas)))
	}
	return nil
}

// Get returns a read-only snapshot of one saga.
func (r *Registry) Get(sagaID string) (saga.Snapshot, bool) {
	r.mu.RLock()
	s, ok := r.sagas[sagaID]
	r.mu.RUnlock()

	if !ok {
		return saga.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// List returns snapshots of every tracked saga.
func (r *Registry) List() []saga.Snapshot {
	r.mu.RLock()
	sagas := make([]*saga.Saga, 0, len(r.sagas))
	for _, s := range r.sagas {
		sagas = append(sagas, s)
	}
	r.mu.RUnlock()

	snapshots := make([]saga.Snapshot, len(sagas))
	for i, s := range sagas {
		snapshots[i] = s.Snapshot()
	}
	return snapshots
}

// Abort delivers the cancellation signal to a running saga's task. The
// engine honors it at the next step boundary. Aborting a saga that already
// reached a terminal state is an error.
func (r *Registry) Abort(sagaID string) error {
	r.mu.RLock()
	s, ok := r.sagas[sagaID]
	cancel := r.cancels[sagaID]
	r.mu.RUnlock()

	if !ok {
		return errors.NewNotFound(fmt.Sprintf("saga %s not found", sagaID))
	}
	if s.CurrentStatus().Terminal() {
		return errors.NewConflict(fmt.Sprintf("saga %s already %s", sagaID, s.CurrentStatus()))
	}
	if cancel == nil {
		return errors.NewConflict(fmt.Sprintf("saga %s has no abort channel", sagaID))
	}

	cancel()
	return nil
}

// Evict removes a saga; callers own the retention policy.
func (r *Registry) Evict(sagaID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sagas[sagaID]; !ok {
		return false
	}
	delete(r.sagas, sagaID)
	delete(r.cancels, sagaID)
	if r.metrics != nil {
		r.metrics.ActiveSagas.Set(float64(len(r.sagas)))
	}
	return true
}

// Statistics computes the aggregate view over all tracked sagas.
func (r *Registry) Statistics() Statistics {
	snapshots := r.List()

	stats := Statistics{
		TotalActive: len(snapshots),
		StatusBreakdown: map[saga.Status]int{
			saga.StatusStarted:   0,
			saga.StatusCompleted: 0,
			saga.StatusFailed:    0,
			saga.StatusAborted:   0,
		},
	}

	for _, snap := range snapshots {
		stats.StatusBreakdown[snap.Status]++
		stats.TotalSteps += len(snap.Steps)
		for _, step := range snap.Steps {
			switch step.Status {
			case saga.StepSucceeded, saga.StepCompensated, saga.StepCompensationFailed:
				stats.CompletedSteps++
			}
		}
	}

	if stats.TotalSteps > 0 {
		stats.StepCompletionRate = float64(stats.CompletedSteps) / float64(stats.TotalSteps)
	}
	if stats.TotalActive > 0 {
		stats.AverageStepsPerSaga = float64(stats.TotalSteps) / float64(stats.TotalActive)
	}
	return stats
}
