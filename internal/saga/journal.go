package saga

import (
	"context"
	"sync"
)

// Journal receives a snapshot of the saga after every state transition
// (step outcome, compensation outcome, terminal status). It is the extension
// point for durable saga logs: a persistent implementation would let a
// restarted coordinator resume or compensate in-flight sagas. The engine
// tolerates journal failures; they are logged and never affect the run.
type Journal interface {
	Record(ctx context.Context, snapshot Snapshot) error
}

// MemoryJournal keeps the most recent transitions per saga in memory. It
// exists so the journaling path is exercised end to end; it does not survive
// a process restart.
type MemoryJournal struct {
	mu      sync.Mutex
	limit   int
	entries map[string][]Snapshot
}

// NewMemoryJournal creates a journal keeping at most limit transitions per
// saga (0 means unbounded).
func NewMemoryJournal(limit int) *MemoryJournal {
	return &MemoryJournal{
		limit:   limit,
		entries: make(map[string][]Snapshot),
	}
}

// Record appends the snapshot to the saga's transition history.
func (j *MemoryJournal) Record(_ context.Context, snapshot Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	history := append(j.entries[snapshot.SagaID], snapshot)
	if j.limit > 0 && len(history) > j.limit {
		history = history[len(history)-j.limit:]
	}
	j.entries[snapshot.SagaID] = history
	return nil
}

// History returns the recorded transitions for a saga, oldest first.
func (j *MemoryJournal) History(sagaID string) []Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	history := j.entries[sagaID]
	out := make([]Snapshot, len(history))
	copy(out, history)
	return out
}
