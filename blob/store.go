// Package blob stores ciphertext chunks by reference. Chunks arriving here
// are already encrypted; the store never sees plaintext or keys.
package blob

import (
	"context"
	"sync"

	"github.com/strongroom/vaultcore/vaulterr"
)

// Store holds ciphertext chunks addressed by reference
type Store interface {
	// Put stores a chunk under ref.
	Put(ctx context.Context, ref string, data []byte) error

	// Get retrieves a chunk. Missing refs yield a not-found error.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Delete removes a chunk. Deleting a missing ref is not an error.
	Delete(ctx context.Context, ref string) error

	// MarkOrphaned tags chunks written by a cancelled upload for later
	// garbage collection. Cancellation never blocks on deletion.
	MarkOrphaned(ctx context.Context, refs []string) error
}

// MemStore is an in-memory chunk store for tests and embedded use
type MemStore struct {
	mu       sync.Mutex
	chunks   map[string][]byte
	orphaned map[string]bool
}

// NewMemStore creates an empty in-memory chunk store
func NewMemStore() *MemStore {
	return &MemStore{
		chunks:   make(map[string][]byte),
		orphaned: make(map[string]bool),
	}
}

// Put implements Store.
func (m *MemStore) Put(_ context.Context, ref string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.chunks[ref] = stored
	return nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.chunks[ref]
	if !ok {
		return nil, vaulterr.Newf(vaulterr.KindNotFound, vaulterr.CodeNotFound, "chunk %q not found", ref)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.chunks, ref)
	delete(m.orphaned, ref)
	return nil
}

// MarkOrphaned implements Store.
func (m *MemStore) MarkOrphaned(_ context.Context, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range refs {
		if _, ok := m.chunks[ref]; ok {
			m.orphaned[ref] = true
		}
	}
	return nil
}

// Len returns the number of stored chunks
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// Orphaned returns the refs currently marked for garbage collection
func (m *MemStore) Orphaned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := make([]string, 0, len(m.orphaned))
	for ref := range m.orphaned {
		refs = append(refs, ref)
	}
	return refs
}
