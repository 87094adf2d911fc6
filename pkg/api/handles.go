package api

import (
	"sync"

	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

// handleTable holds the authorized handles of runs that are currently
// running. A handle leaves the table when its run waits or finishes.
type handleTable struct {
	mu      sync.RWMutex
	handles map[string]*run.Handle
}

func newHandleTable() *handleTable {
	return &handleTable{handles: make(map[string]*run.Handle)}
}

func (t *handleTable) put(h *run.Handle) {
	t.mu.Lock()
	t.handles[h.RunID()] = h
	t.mu.Unlock()
}

func (t *handleTable) get(runID string) (*run.Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[runID]
	return h, ok
}

func (t *handleTable) drop(runID string) {
	t.mu.Lock()
	delete(t.handles, runID)
	t.mu.Unlock()
}
