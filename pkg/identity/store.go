package identity

import (
	"sync"
)

// Keys of the persisted client cache.
const (
	KeyCanonicalAddress = "canonical_address"
	KeyCachedBalance    = "cached_balance"
)

// Store is the persisted client cache. Get returns "" for a missing key.
type Store interface {
	Get(key string) (string, error)
	Put(key, value string) error
	Delete(keys ...string) error
	Close() error
}

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *MemoryStore) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (*MemoryStore) Close() error { return nil }
