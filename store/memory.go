package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is the in-memory RecordStore stub. It needs to know how to read and
// write the id field of V, since ids are store-assigned.
type Memory[V any] struct {
	idOf   func(V) string
	withID func(V, string) V

	mu   sync.RWMutex
	rows map[string]memRow[V]
	seq  uint64
}

type memRow[V any] struct {
	val     V
	version uint64
}

// NewMemory builds a stub store. idOf must return "" for entities without an
// assigned id; withID returns a copy with the id set.
func NewMemory[V any](idOf func(V) string, withID func(V, string) V) *Memory[V] {
	return &Memory[V]{
		idOf:   idOf,
		withID: withID,
		rows:   make(map[string]memRow[V]),
	}
}

var _ RecordStore[struct{}] = (*Memory[struct{}])(nil)

func (m *Memory[V]) Write(_ context.Context, v V) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.idOf(v)
	created := false
	if id == "" {
		m.seq++
		id = fmt.Sprintf("%d", m.seq)
		v = m.withID(v, id)
		created = true
	} else if _, ok := m.rows[id]; !ok {
		created = true
	}

	row := m.rows[id]
	row.val = v
	row.version++
	m.rows[id] = row
	return WriteResult{ID: id, Version: row.version, Created: created}, nil
}

func (m *Memory[V]) Delete(_ context.Context, id string) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return WriteResult{}, ErrNotFound
	}
	delete(m.rows, id)
	return WriteResult{ID: id, Version: row.version + 1}, nil
}

func (m *Memory[V]) ReadAll(_ context.Context) ([]V, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]V, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.rows[id].val)
	}
	return out, nil
}

func (m *Memory[V]) ReadByID(_ context.Context, id string) (V, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.rows[id]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return row.val, nil
}

// Len reports the number of stored entities.
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}
