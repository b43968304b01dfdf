// Package pool provides reusable byte buffer pools for the archive I/O paths.
//
// Buffers are backed by sync.Pool, so unused buffers are released to the
// garbage collector instead of pinning memory for the lifetime of the
// process. Two shapes are offered: FixedBufferPool hands out buffers of a
// single size (streaming copy loops), while BucketedBufferPool serves
// variable-size requests from power-of-two buckets (whole-file read-ahead).
package pool

func isPowerOfTwo(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}
