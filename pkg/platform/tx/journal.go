package tx

import (
	"context"
	"sync"
)

type journalKey struct{}

// Journal collects undo steps for in-memory stores so a unit of work spanning
// several stores can be rolled back the way a SQL transaction would be.
type Journal struct {
	mu   sync.Mutex
	undo []func()
}

// OnRollback registers fn to run if the unit of work fails.
func (j *Journal) OnRollback(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.undo = append(j.undo, fn)
}

// Rollback runs registered undo steps in reverse order and clears the journal.
func (j *Journal) Rollback() {
	j.mu.Lock()
	undo := j.undo
	j.undo = nil
	j.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// WithJournal stores an undo journal in context.
func WithJournal(ctx context.Context, j *Journal) context.Context {
	if j == nil {
		return ctx
	}
	return context.WithValue(ctx, journalKey{}, j)
}

// JournalFrom extracts the undo journal from context if present.
func JournalFrom(ctx context.Context) (*Journal, bool) {
	j, ok := ctx.Value(journalKey{}).(*Journal)
	return j, ok
}

// Record registers fn on the journal carried by ctx. It is a no-op outside a
// unit of work.
func Record(ctx context.Context, fn func()) {
	if j, ok := JournalFrom(ctx); ok {
		j.OnRollback(fn)
	}
}

// MemoryRunner serializes units of work against in-memory stores and undoes
// their effects when fn fails.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates a MemoryRunner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

// RunInTx runs fn holding the runner lock. Stores called with the derived
// context record undo steps that are replayed if fn returns an error.
func (r *MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &Journal{}
	if err := fn(WithJournal(ctx, j)); err != nil {
		j.Rollback()
		return err
	}
	return nil
}
