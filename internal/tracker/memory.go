package tracker

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func clone(st State) State {
	st.Delivered = slices.Clone(st.Delivered)
	if st.LastNotifiedAt != nil {
		at := *st.LastNotifiedAt
		st.LastNotifiedAt = &at
	}
	return st
}

func (m *MemoryStore) Get(_ context.Context, hex string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[hex]
	return clone(st), ok, nil
}

func (m *MemoryStore) Put(_ context.Context, st State) error {
	m.mu.Lock()
	m.states[st.Hex] = clone(st)
	m.mu.Unlock()
	return nil
}

// List returns all states sorted by hex.
func (m *MemoryStore) List(_ context.Context) ([]State, error) {
	m.mu.Lock()
	out := make([]State, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, clone(st))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hex < out[j].Hex })
	return out, nil
}
