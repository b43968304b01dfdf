// Package limiter provides a shared-budget limiter used to bound the total
// memory spent on read-ahead buffers across concurrent workers.
package limiter

import (
	"sync"
)

// Memory tracks a byte budget shared between goroutines. Acquisition is
// non-blocking: callers that cannot get budget fall back to streaming
// instead of waiting. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	available int64
	capacity  int64
}

// NewMemory creates a memory limiter with the given total capacity in bytes.
func NewMemory(limit int64) *Memory {
	return &Memory{
		available: limit,
		capacity:  limit,
	}
}

// TryAcquire attempts to reserve n bytes from the budget. It returns false
// if not enough budget is currently available, or if n exceeds the total
// capacity (such a request can never be satisfied, so the caller should
// fall back to another approach immediately).
func (m *Memory) TryAcquire(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.capacity {
		return false
	}

	if m.available >= n {
		m.available -= n
		return true
	}

	return false
}

// Release returns n bytes to the budget. Must follow a successful TryAcquire.
func (m *Memory) Release(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available += n

	// Cap at capacity so a double release in the caller cannot inflate
	// the budget.
	if m.available > m.capacity {
		m.available = m.capacity
	}
}

// Available returns the amount of budget currently available.
func (m *Memory) Available() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Capacity returns the total capacity of the limiter.
func (m *Memory) Capacity() int64 {
	return m.capacity
}
