package sharded

import (
	"sync"
)

type setShard struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

// Set is a lock-striped string set. The walker records every enumerated
// path key in one, and the restorer uses one as its created-directory
// cache; both hit it from many goroutines at once.
type Set []*setShard

// NewSet creates a Set with the given shard count, which must be a power
// of 2.
func NewSet(numShards int) *Set {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	s := make(Set, numShards)
	for i := 0; i < numShards; i++ {
		s[i] = &setShard{items: make(map[string]struct{})}
	}
	return &s
}

func (s *Set) getShard(key string) *setShard {
	return (*s)[getShardIndex(key, len(*s))]
}

// Store adds a key to the set.
func (s *Set) Store(key string) {
	shard := s.getShard(key)
	shard.mu.Lock()
	shard.items[key] = struct{}{}
	shard.mu.Unlock()
}

// Has reports whether the key is present.
func (s *Set) Has(key string) bool {
	shard := s.getShard(key)
	shard.mu.RLock()
	_, exists := shard.items[key]
	shard.mu.RUnlock()
	return exists
}

// Count returns the total number of keys across all shards. Shards are
// locked one at a time, so the result is a point-in-time approximation
// under concurrent writes.
func (s *Set) Count() int {
	count := 0
	for i := 0; i < len(*s); i++ {
		shard := (*s)[i]
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}
