// ABOUTME: In-memory credential Store for tests and ephemeral deployments
// ABOUTME: Copies material on the way in and out so callers cannot alias stored bytes

package credentials

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	material map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		material: make(map[string][]byte),
	}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, sessionID string) ([]byte, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.material[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, sessionID string, material []byte) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.material[sessionID] = append([]byte(nil), material...)
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.material, sessionID)
	return nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(_ context.Context, sessionID string) (bool, error) {
	if !ValidID(sessionID) {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.material[sessionID]
	return ok, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.material))
	for id := range m.material {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
