package storage

import (
	"bytes"
	"sync"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

// Store holds the named blobs of a run: the checkpoints of a coordinator
// (BestKey, RecoveryKey) or the encoded client partitions a worker keeps
// between rounds. Implementations are safe for concurrent use.
type Store interface {
	// Get returns a private copy of the value of key. A missing key fails
	// with ErrCheckpointNotFound.
	Get(key string) ([]byte, error)
	// Put replaces the value of key. Readers observe either the old or the
	// new value.
	Put(key string, value []byte) error
	// Delete drops key. Dropping a missing key is not an error.
	Delete(key string) error
	// List returns the keys, in no particular order.
	List() []string
	Stats() StoreStats
}

// StoreStats summarizes the content of a store.
type StoreStats struct {
	Keys  int
	Bytes int
	// Evictions counts values dropped to stay within a capacity; it stays
	// zero for unbounded stores.
	Evictions uint64
}

func notFound(key string) error {
	return ferrors.ErrCheckpointNotFound.GenWithStackByArgs(key)
}

// MemoryStore is an unbounded Store in process memory. Simulations and tests
// keep their checkpoints in it.
//
// Stored slices are never modified in place, so Get copies outside the lock.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	size   int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(key)
	}
	return bytes.Clone(v), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	v := bytes.Clone(value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size += len(v) - len(m.values[key])
	m.values[key] = v
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size -= len(m.values[key])
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{Keys: len(m.values), Bytes: m.size}
}
