package task

import (
	"context"
	"sort"
	"sync"
)

// Store persists entries.  Implementations serialize their own writes.
type Store interface {
	// Insert persists a new entry and assigns its ID.
	Insert(ctx context.Context, e *Entry) error

	// Pending returns all pending entries in ascending id order.
	Pending(ctx context.Context) ([]Entry, error)

	// Update overwrites the stored entry with the same ID.
	Update(ctx context.Context, e Entry) error

	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id int64) (Entry, error)

	// Remove returns ErrNotFound for unknown ids.
	Remove(ctx context.Context, id int64) error

	// List returns all entries in the given state in ascending id order.
	List(ctx context.Context, s State) ([]Entry, error)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	next    int64
	entries map[int64]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]Entry)}
}

// Insert implements Store.
func (m *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	e.ID = m.next
	m.entries[e.ID] = *e
	return nil
}

// Pending implements Store.
func (m *MemoryStore) Pending(ctx context.Context) ([]Entry, error) {
	return m.List(ctx, Pending)
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		return ErrNotFound
	}
	m.entries[e.ID] = e
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id int64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, s State) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.State == s {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
