package sharded

import (
	"sync"
)

type mapShard struct {
	mu    sync.RWMutex
	items map[string]any
}

// Map is a lock-striped string-keyed map. The walker collects per-subtree
// enumeration errors in one without serializing its workers.
type Map []*mapShard

// NewMap creates a Map with the given shard count, which must be a power
// of 2.
func NewMap(numShards int) *Map {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	m := make(Map, numShards)
	for i := 0; i < numShards; i++ {
		m[i] = &mapShard{items: make(map[string]any)}
	}
	return &m
}

func (m *Map) getShard(key string) *mapShard {
	return (*m)[getShardIndex(key, len(*m))]
}

// Store adds a key-value pair to the map.
func (m *Map) Store(key string, value any) {
	shard := m.getShard(key)
	shard.mu.Lock()
	shard.items[key] = value
	shard.mu.Unlock()
}

// Load retrieves the value for a key and whether it was present.
func (m *Map) Load(key string) (value any, ok bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	value, ok = shard.items[key]
	shard.mu.RUnlock()
	return value, ok
}

// Count returns the total number of entries across all shards.
func (m *Map) Count() int {
	count := 0
	for i := 0; i < len(*m); i++ {
		shard := (*m)[i]
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}

// Items snapshots the map into a plain map. Shards are locked one at a
// time; entries stored while the snapshot runs may or may not appear.
func (m *Map) Items() map[string]any {
	items := make(map[string]any, m.Count())
	for i := 0; i < len(*m); i++ {
		shard := (*m)[i]
		shard.mu.RLock()
		for k, v := range shard.items {
			items[k] = v
		}
		shard.mu.RUnlock()
	}
	return items
}
