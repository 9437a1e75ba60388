package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store is the key-value contract the node registry persists its entry
// snapshots through. All implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrKeyNotFound if the key doesn't exist.
	Get(key string) ([]byte, error)

	// Put stores a value with the given key, overwriting any existing value.
	Put(key string, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns the keys starting with prefix, sorted.
	List(prefix string) ([]string, error)

	// Stats returns storage statistics
	Stats() StoreStats

	// Close releases the backend. The store must not be used afterwards.
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Backend string `json:"backend"`
	Keys    int    `json:"keys"`  // Number of keys
	Bytes   int    `json:"bytes"` // Total size of all values in bytes
}

// MemoryStore implements Store with an in-memory map.
// Contents are lost on restart; it is the default backend and the one tests use.
type MemoryStore struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string][]byte // Key-value storage
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of the value so callers cannot modify the stored bytes.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return cloneBytes(value), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = cloneBytes(value)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Backend: BackendMemory,
		Keys:    len(m.data),
		Bytes:   totalBytes,
	}
}

func (m *MemoryStore) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
