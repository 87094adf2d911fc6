package run

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// Store persists runs. Update is a compare-and-set on the stored status.
type Store interface {
	Insert(ctx context.Context, r *contracts.Run) error
	Get(ctx context.Context, runID string) (*contracts.Run, error)
	Update(ctx context.Context, r *contracts.Run, expect contracts.RunStatus) error
	Children(ctx context.Context, parentRunID string) ([]*contracts.Run, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*contracts.Run
	children map[string][]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*contracts.Run),
		children: make(map[string][]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, r *contracts.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, r.RunID)
	}
	s.runs[r.RunID] = r.Clone()
	if r.ParentRunID != nil {
		s.children[*r.ParentRunID] = append(s.children[*r.ParentRunID], r.RunID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (*contracts.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, r *contracts.Run, expect contracts.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.RunID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.RunID)
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalImmutable, r.RunID)
	}
	if cur.Status != expect {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrConcurrentUpdate, r.RunID, cur.Status, expect)
	}
	s.runs[r.RunID] = r.Clone()
	return nil
}

func (s *MemoryStore) Children(_ context.Context, parentRunID string) ([]*contracts.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.children[parentRunID]
	out := make([]*contracts.Run, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.runs[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}
