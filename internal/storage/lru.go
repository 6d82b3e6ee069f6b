package storage

import (
	"bytes"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRUStore is a Store with a byte budget. A Put that takes the store over
// budget evicts the least recently used values; Get counts as a use. A single
// value larger than the budget is kept, alone.
type LRUStore struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, []byte]
	maxBytes  int
	size      int
	evictions uint64
}

var _ Store = (*LRUStore)(nil)

// NewLRUStore returns an empty store holding at most maxBytes of values.
// maxBytes <= 0 disables eviction.
func NewLRUStore(maxBytes int) *LRUStore {
	s := &LRUStore{maxBytes: maxBytes}
	// only the byte budget evicts, so the entry limit never binds
	s.lru, _ = simplelru.NewLRU[string, []byte](math.MaxInt, func(_ string, v []byte) {
		s.size -= len(v)
	})
	return s
}

func (s *LRUStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	v, ok := s.lru.Get(key)
	s.mu.Unlock()
	if !ok {
		return nil, notFound(key)
	}
	return bytes.Clone(v), nil
}

func (s *LRUStore) Put(key string, value []byte) error {
	v := bytes.Clone(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	// replacing a key does not call the eviction callback
	if old, ok := s.lru.Peek(key); ok {
		s.size -= len(old)
	}
	s.lru.Add(key, v)
	s.size += len(v)
	for s.maxBytes > 0 && s.size > s.maxBytes && s.lru.Len() > 1 {
		s.lru.RemoveOldest()
		s.evictions++
	}
	return nil
}

func (s *LRUStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
	return nil
}

// List returns the keys from least to most recently used.
func (s *LRUStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Keys()
}

func (s *LRUStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{Keys: s.lru.Len(), Bytes: s.size, Evictions: s.evictions}
}
