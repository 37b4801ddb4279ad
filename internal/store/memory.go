package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// MemoryStore is the in-process ExecutionStore: a map of per-execution entries,
// each guarded by its own lock so unrelated executions never serialize on a
// global lock.
type MemoryStore struct {
	mu      sync.RWMutex // guards the entries map itself, never held during mutations
	entries map[string]*memEntry
}

type memEntry struct {
	mu   sync.Mutex
	exec *Execution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

func (s *MemoryStore) Create(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", exec.ID)
	}
	s.entries[exec.ID] = &memEntry{exec: exec.Clone()}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Execution, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.exec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (*Execution, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Mutate a copy so a failed mutator leaves the stored record untouched.
	next := entry.exec.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	entry.exec = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state schema.ExecutionState, limit, offset int) ([]*Execution, error) {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var matched []*Execution
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.exec.CurrentState == state {
			matched = append(matched, entry.exec.Clone())
		}
		entry.mu.Unlock()
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; !exists {
		return notFound(id)
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) entry(id string) (*memEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	return entry, nil
}

var _ ExecutionStore = (*MemoryStore)(nil)
