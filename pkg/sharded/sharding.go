// Package sharded provides lock-striped map and set containers keyed by
// string. Splitting the key space across independently locked shards keeps
// contention low when many workers record paths concurrently.
package sharded

import "hash/fnv"

// getShardIndex calculates the shard index for a given key using FNV-1a.
// numShards must be a power of 2 for the bitwise AND modulus to be valid.
func getShardIndex(key string, numShards int) int {
	h := fnv.New32a()
	// Write never returns an error for FNV-1a.
	h.Write([]byte(key))
	hashValue := h.Sum32()
	return int(hashValue & uint32(numShards-1))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
