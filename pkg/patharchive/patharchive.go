// --- ARCHITECTURAL OVERVIEW: Container Strategy ---
//
// This package writes one container file per backup run, strictly
// sequentially. The tar format permits only a single writer, and the
// restore merge depends on member order, so there is no concurrency here
// at all; parallelism lives in the enumeration phase and inside pgzip.
//
// 1. Crash safety: all bytes go to a temp file in the destination
//    directory; the final chain name appears only through os.Rename. A
//    crashed run leaves a *.tmp file the next run can ignore, never a
//    half-written archive under a valid chain name. On cancellation the
//    container is finalized at a clean member boundary instead, so
//    everything appended so far remains readable.
//
// 2. Bounded memory: payloads stream through fixed-size copy buffers, so
//    peak memory never scales with file size. Files up to the large-file
//    threshold may be read ahead whole when a shared memory budget admits
//    them, which closes the source handle before the tar write begins and
//    keeps read failures away from the container stream.
//
// 3. Metadata advancement: every successfully written entry updates the
//    in-memory metadata store to Present with the basis observed at
//    enumeration time. Failed entries leave their metadata untouched and
//    are re-evaluated on the next run.

// Package patharchive names, discovers, and writes the timestamped archive
// chain of a backup destination.
package patharchive

import (
	"errors"
	"math/bits"

	"github.com/paulschiretz/pgl-snapshot/pkg/hints"
	"github.com/paulschiretz/pgl-snapshot/pkg/limiter"
	"github.com/paulschiretz/pgl-snapshot/pkg/pool"
)

const (
	// DefaultCopyBufferKiB is the chunk size for streamed payload copies.
	DefaultCopyBufferKiB = 64

	// DefaultLargeFileThresholdMiB is the size above which a payload is
	// always streamed, never read ahead whole.
	DefaultLargeFileThresholdMiB = 10

	// DefaultReadAheadMemoryMiB bounds the total memory held by read-ahead
	// buffers at any moment.
	DefaultReadAheadMemoryMiB = 128

	// minReadAheadBucket is the smallest read-ahead pool bucket.
	minReadAheadBucket = 4 * 1024
)

// ErrNothingToArchive signals an empty run: no changed files and no new
// deletions since the last snapshot. It is a hint, not a failure.
var ErrNothingToArchive = hints.Wrap(errors.New("nothing to archive: source unchanged since last snapshot"))

// ChainWriter defines the interface for a component that opens archive
// containers for sequential writing.
type ChainWriter interface {
	Open(plan Plan) (*Writer, error)
}

// Archiver is the reusable archive-writing component. It owns the buffer
// pools and the read-ahead memory budget shared by all runs.
type Archiver struct {
	ioBufferPool *pool.FixedBufferPool
	ioBufferSize int64

	largeFileThreshold int64
	readAheadLimiter   *limiter.Memory
	readAheadPool      *pool.BucketedBufferPool
}

// Statically assert that *Archiver implements the ChainWriter interface.
var _ ChainWriter = (*Archiver)(nil)

// NewArchiver creates an Archiver. Arguments at or below zero fall back to
// the package defaults.
func NewArchiver(copyBufferKiB, largeFileThresholdMiB, readAheadMemoryMiB int) *Archiver {
	if copyBufferKiB <= 0 {
		copyBufferKiB = DefaultCopyBufferKiB
	}
	if largeFileThresholdMiB <= 0 {
		largeFileThresholdMiB = DefaultLargeFileThresholdMiB
	}
	if readAheadMemoryMiB <= 0 {
		readAheadMemoryMiB = DefaultReadAheadMemoryMiB
	}

	ioBufferSize := int64(copyBufferKiB) * 1024
	threshold := int64(largeFileThresholdMiB) * 1024 * 1024

	// The bucketed pool needs power-of-two bounds; round the threshold up
	// so the largest admissible read-ahead still fits one bucket.
	maxBucket := nextPowerOfTwo(threshold)
	if maxBucket <= minReadAheadBucket {
		maxBucket = minReadAheadBucket * 2
	}

	return &Archiver{
		ioBufferPool:       pool.NewFixedBuffer(ioBufferSize),
		ioBufferSize:       ioBufferSize,
		largeFileThreshold: threshold,
		readAheadLimiter:   limiter.NewMemory(int64(readAheadMemoryMiB) * 1024 * 1024),
		readAheadPool:      pool.NewBucketedBufferPool(minReadAheadBucket, maxBucket),
	}
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	return int64(1) << bits.Len64(uint64(n-1))
}
