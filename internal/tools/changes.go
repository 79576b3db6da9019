package tools

import (
	"fmt"
	"sync"
	"time"
)

// FileChange records one applied workspace mutation so it can be undone.
type FileChange struct {
	ID        string
	Path      string
	Tool      string
	Before    []byte // nil for created files
	After     []byte
	AppliedAt time.Time
}

// ChangeTracker records applied file changes and supports exactly-once
// undo. The undone flag is flipped with compare-and-swap semantics so two
// concurrent undos of the same change cannot both restore the file.
type ChangeTracker struct {
	mu      sync.Mutex
	changes map[string]*trackedChange
	order   []string
	restore func(path string, content []byte) error
}

type trackedChange struct {
	change FileChange
	undone bool
}

// NewChangeTracker creates a tracker. restore writes a file's previous
// content back to the workspace; nil restore makes UndoChange a pure
// bookkeeping operation (used in tests).
func NewChangeTracker(restore func(path string, content []byte) error) *ChangeTracker {
	return &ChangeTracker{
		changes: make(map[string]*trackedChange),
		restore: restore,
	}
}

// Record adds an applied change.
func (t *ChangeTracker) Record(change FileChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.changes[change.ID]; exists {
		return
	}
	t.changes[change.ID] = &trackedChange{change: change}
	t.order = append(t.order, change.ID)
}

// Changes returns all recorded changes in application order.
func (t *ChangeTracker) Changes() []FileChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileChange, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.changes[id].change)
	}
	return out
}

// UndoChange reverses one change. For any id, exactly one caller succeeds;
// concurrent or repeated calls get an already-undone error. The flag is
// claimed before the restore runs so a racing caller can never observe an
// un-claimed change mid-restore.
func (t *ChangeTracker) UndoChange(id string) error {
	t.mu.Lock()
	tracked, ok := t.changes[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown change %q", id)
	}
	if tracked.undone {
		t.mu.Unlock()
		return fmt.Errorf("change %q already undone", id)
	}
	tracked.undone = true
	change := tracked.change
	restore := t.restore
	t.mu.Unlock()

	if restore == nil {
		return nil
	}
	if err := restore(change.Path, change.Before); err != nil {
		// The claim stands even when the restore fails; a second undo
		// attempt would race the filesystem, which is worse than leaving
		// the file for manual repair.
		return fmt.Errorf("restore %s: %w", change.Path, err)
	}
	return nil
}

// IsUndone reports whether the change was already reversed.
func (t *ChangeTracker) IsUndone(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.changes[id]
	return ok && tracked.undone
}
