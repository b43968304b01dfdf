package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// BucketedBufferPool serves byte slices of varying sizes from power-of-two
// buckets with O(1) bucket lookup via bit arithmetic.
type BucketedBufferPool struct {
	minBucketExp int
	maxBucketExp int
	maxPoolSize  int64
	pools        []sync.Pool
}

// NewBucketedBufferPool creates a pool covering [minSize, maxSize].
// Both bounds must be powers of two (e.g. 4096, 1048576); the constructor
// panics otherwise since the bounds come from static configuration.
func NewBucketedBufferPool(minSize, maxSize int64) *BucketedBufferPool {
	if !isPowerOfTwo(minSize) {
		panic(fmt.Sprintf("minSize %d must be a power of two", minSize))
	}
	if !isPowerOfTwo(maxSize) {
		panic(fmt.Sprintf("maxSize %d must be a power of two", maxSize))
	}
	if maxSize <= minSize {
		panic("maxSize must be greater than minSize")
	}

	// bits.TrailingZeros64 turns a power-of-two size into its exponent.
	minExp := bits.TrailingZeros64(uint64(minSize))
	maxExp := bits.TrailingZeros64(uint64(maxSize))

	bp := &BucketedBufferPool{
		minBucketExp: minExp,
		maxBucketExp: maxExp,
		maxPoolSize:  int64(1) << maxExp,
		pools:        make([]sync.Pool, maxExp+1),
	}

	for i := minExp; i <= maxExp; i++ {
		size := int64(1) << i
		bp.pools[i].New = func() any {
			b := make([]byte, int(size))
			return &b
		}
	}
	return bp
}

// Get returns a pointer to a byte slice with len == size, drawn from the
// smallest bucket that can hold it. Requests above the largest bucket are
// allocated fresh and will not be pooled on Put.
func (bp *BucketedBufferPool) Get(size int64) *[]byte {
	// make([]byte, 0) is backed by runtime.zerobase; pooling it is pointless.
	if size <= 0 {
		b := make([]byte, 0)
		return &b
	}

	if size > bp.maxPoolSize {
		b := make([]byte, int(size))
		return &b
	}

	// bits.Len64(size-1) is the exponent of the smallest power of two >= size.
	idx := bits.Len64(uint64(size - 1))
	if idx < bp.minBucketExp {
		idx = bp.minBucketExp
	}

	// Sub-slice to the exact requested length so io.ReadFull and friends
	// stop at the caller's size, not the bucket size.
	bufPtr := bp.pools[idx].Get().(*[]byte)
	*bufPtr = (*bufPtr)[:int(size)]
	return bufPtr
}

// Put returns a buffer to its bucket. Buffers outside the configured bounds,
// or whose capacity is not a power of two, are dropped for the GC to collect.
func (bp *BucketedBufferPool) Put(bufPtr *[]byte) {
	if bufPtr == nil {
		return
	}

	capacity := int64(cap(*bufPtr))
	if capacity < (int64(1)<<bp.minBucketExp) || capacity > bp.maxPoolSize || !isPowerOfTwo(capacity) {
		return
	}

	idx := bits.TrailingZeros64(uint64(capacity))

	// Restore full capacity so the next Get can re-slice it to any length.
	*bufPtr = (*bufPtr)[:capacity]
	bp.pools[idx].Put(bufPtr)
}

// FixedBufferPool recycles byte slices of a single size, e.g. the copy
// buffers used by streaming archive writes.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

func NewFixedBuffer(size int64) *FixedBufferPool {
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

func (fp *FixedBufferPool) Put(b *[]byte) {
	// Only accept buffers that actually came from this pool.
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
