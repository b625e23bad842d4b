package cache

import (
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. It is the default store
// when the host application supplies none; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	fetchedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Get returns the stored bytes for key.
func (m *MemoryStore) Get(key string) ([]byte, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.value, e.fetchedAt, true
}

// Set stores value under key.
func (m *MemoryStore) Set(key string, value []byte, fetchedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]byte, len(value))
	copy(copied, value)
	m.entries[key] = memoryEntry{value: copied, fetchedAt: fetchedAt}
	return nil
}

// Invalidate removes the entry for key.
func (m *MemoryStore) Invalidate(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)
