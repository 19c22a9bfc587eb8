package storage

import (
	"context"
	"sync"
)

// MemKV is an in-memory KV store with the same revision semantics as the
// SQLite store. Intended for tests and single-process embedding.
type MemKV struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	value    []byte
	revision int64
}

// NewMemKV creates an empty in-memory store
func NewMemKV() *MemKV {
	return &MemKV{entries: make(map[string]*memEntry)}
}

// Get implements KV.
func (m *MemKV) Get(_ context.Context, key string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, 0, errNotFound(key)
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, e.revision, nil
}

// Create implements KV.
func (m *MemKV) Create(_ context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return 0, errAlreadyExists(key)
	}
	m.entries[key] = &memEntry{value: clone(value), revision: 1}
	return 1, nil
}

// Put implements KV.
func (m *MemKV) Put(_ context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.entries[key] = &memEntry{value: clone(value), revision: 1}
		return 1, nil
	}
	e.value = clone(value)
	e.revision++
	return e.revision, nil
}

// CompareAndSwap implements KV.
func (m *MemKV) CompareAndSwap(_ context.Context, key string, expectedRevision int64, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.revision != expectedRevision {
		return 0, errCASConflict(key)
	}
	e.value = clone(value)
	e.revision++
	return e.revision, nil
}

// Delete implements KV.
func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// DeleteRev implements KV.
func (m *MemKV) DeleteRev(_ context.Context, key string, expectedRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.revision != expectedRevision {
		return errCASConflict(key)
	}
	delete(m.entries, key)
	return nil
}

// Close implements KV.
func (m *MemKV) Close() error { return nil }

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
