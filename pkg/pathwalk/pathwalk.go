// Package pathwalk enumerates the backup source tree concurrently.
//
// --- ARCHITECTURAL OVERVIEW ---
//
// The walker partitions the source root's immediate children into
// independent subtrees so one slow subtree never serializes the rest:
//
//  1. The coordinator (`dispatch`) lists the root once. Every non-ignored
//     child directory becomes one job for the worker pool; top-level
//     files are recorded by the coordinator itself.
//  2. A fixed pool of subtree workers consumes the jobs. Each worker
//     recursively walks its subtree (`filepath.WalkDir`), prunes ignored
//     directories, skips ignored files, and emits one Record per regular
//     file. When the plan requests fingerprints, the worker hashes the
//     file before emitting, so hashing load spreads across the pool.
//  3. A single collector goroutine drains the record channel into the
//     result slice. Records from the same subtree keep their discovery
//     order; interleaving across subtrees carries no meaning.
//
// Every visited non-ignored path is additionally stored in a concurrent
// seen set, including paths that errored mid-walk: a file we could not
// read this run still exists, and must not be inferred as deleted by the
// change detector.
package pathwalk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/ignore"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/pool"
	"github.com/paulschiretz/pgl-snapshot/pkg/sharded"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// DefaultNumWorkers is the walk worker pool size used when the
// configuration does not set one.
const DefaultNumWorkers = 8

const seenSetShards = 64

// Result is the outcome of one enumeration pass.
type Result struct {
	// Records holds every enumerated file. Cross-subtree order is
	// unspecified; per-subtree discovery order is preserved.
	Records []Record
	// Seen contains the relative key of every non-ignored file
	// encountered, including files skipped due to per-item errors. The
	// change detector infers deletions from absence in this set.
	Seen *sharded.Set
}

// Enumerator defines the interface for a component that produces the set
// of non-ignored file records under a source root.
type Enumerator interface {
	Walk(ctx context.Context, plan Plan) (*Result, error)
}

// Walker is the concurrent Enumerator implementation. It is stateless and
// safe for concurrent use; all per-run state lives in a walkRun.
type Walker struct {
	numWorkers   int
	ioBufferPool *pool.FixedBufferPool
}

// Statically assert that *Walker implements the Enumerator interface.
var _ Enumerator = (*Walker)(nil)

// NewWalker creates a Walker with the given pool size. The buffer pool
// supplies the copy buffers used for fingerprint hashing.
func NewWalker(numWorkers int, ioBufferPool *pool.FixedBufferPool) *Walker {
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}
	return &Walker{
		numWorkers:   numWorkers,
		ioBufferPool: ioBufferPool,
	}
}

// walkRun holds the mutable state for a single enumeration pass. This
// keeps the Walker itself stateless.
type walkRun struct {
	ctx         context.Context
	absRoot     string
	rules       *ignore.RuleSet
	fingerprint bool
	failFast    bool

	numWorkers   int
	ioBufferPool *pool.FixedBufferPool

	// seen is the concurrent set of every non-ignored relative file key
	// encountered this run, consumed later by deletion inference.
	seen *sharded.Set

	// walkErrs captures non-fatal subtree failures, keyed by the relative
	// path of the subtree that failed.
	walkErrs *sharded.Map

	// criticalErrsChan captures the first critical error (fail-fast mode)
	// to abort the run after the pipeline drains.
	criticalErrsChan chan error

	// jobsChan carries absolute subtree roots from the coordinator to the
	// worker pool.
	jobsChan chan string

	// recordsChan carries emitted records to the single collector.
	recordsChan chan Record

	workerWg    sync.WaitGroup
	collectorWg sync.WaitGroup

	// records is appended to only by the collector goroutine.
	records []Record

	metrics Metrics
}

// Walk enumerates the plan's source root and returns the collected
// records plus the seen set. Per-item failures (permission errors, files
// vanishing mid-walk) are skipped and counted, never fatal; a canceled
// context aborts the walk and returns ctx.Err().
func (w *Walker) Walk(ctx context.Context, plan Plan) (*Result, error) {
	info, err := os.Stat(plan.AbsSourcePath)
	if err != nil {
		return nil, fmt.Errorf("source root is not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", plan.AbsSourcePath)
	}

	var m Metrics
	if plan.Metrics {
		m = &WalkMetrics{}
	} else {
		m = &NoopMetrics{}
	}

	run := &walkRun{
		ctx:              ctx,
		absRoot:          plan.AbsSourcePath,
		rules:            plan.Rules,
		fingerprint:      plan.Fingerprint,
		failFast:         plan.FailFast,
		numWorkers:       w.numWorkers,
		ioBufferPool:     w.ioBufferPool,
		seen:             sharded.NewSet(seenSetShards),
		walkErrs:         sharded.NewMap(seenSetShards),
		criticalErrsChan: make(chan error, 1),
		jobsChan:         make(chan string, w.numWorkers*2),
		recordsChan:      make(chan Record, w.numWorkers*1024),
		metrics:          m,
	}
	return run.execute()
}

// execute coordinates the enumeration pipeline: collector and workers are
// started first, then the coordinator dispatches subtree jobs and handles
// top-level files itself.
func (r *walkRun) execute() (*Result, error) {
	r.metrics.StartProgress("Enumeration progress", 10*time.Second)
	defer func() {
		r.metrics.StopProgress()
		r.metrics.LogSummary("Enumeration finished")
	}()

	r.collectorWg.Add(1)
	go r.collector()

	for i := 0; i < r.numWorkers; i++ {
		r.workerWg.Add(1)
		go r.subtreeWorker()
	}

	dispatchErr := r.dispatch()

	// Closing jobsChan releases idle workers; the collector stops once all
	// workers are done and recordsChan is closed.
	close(r.jobsChan)
	r.workerWg.Wait()
	close(r.recordsChan)
	r.collectorWg.Wait()

	if dispatchErr != nil && !errors.Is(dispatchErr, context.Canceled) && !errors.Is(dispatchErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("enumeration coordinator failed: %w", dispatchErr)
	}
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case err := <-r.criticalErrsChan:
		return nil, fmt.Errorf("critical enumeration error: %w", err)
	default:
	}

	r.logNonFatalErrors()

	return &Result{Records: r.records, Seen: r.seen}, nil
}

// dispatch lists the root's immediate entries exactly once, enqueues each
// non-ignored child directory as a subtree job, and records top-level
// files directly.
func (r *walkRun) dispatch() error {
	entries, err := os.ReadDir(r.absRoot)
	if err != nil {
		return fmt.Errorf("could not list source root %s: %w", r.absRoot, err)
	}

	for _, entry := range entries {
		if err := r.ctx.Err(); err != nil {
			return err
		}

		relPathKey := util.NormalizePath(entry.Name())

		if r.rules.Matches(relPathKey) {
			if entry.IsDir() {
				r.metrics.AddDirsIgnored(1)
			} else {
				r.metrics.AddFilesIgnored(1)
			}
			plog.Notice("IGN", "path", relPathKey)
			continue
		}

		absPath := filepath.Join(r.absRoot, entry.Name())
		if entry.IsDir() {
			r.metrics.AddDirsSeen(1)
			select {
			case <-r.ctx.Done():
				return r.ctx.Err()
			case r.jobsChan <- absPath:
			}
			continue
		}

		r.visitFile(absPath, relPathKey, entry)
	}
	return nil
}

// subtreeWorker consumes subtree jobs until the channel is closed or the
// context is canceled.
func (r *walkRun) subtreeWorker() {
	defer r.workerWg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case absSubtree, ok := <-r.jobsChan:
			if !ok {
				return
			}
			r.walkSubtree(absSubtree)
		}
	}
}

// walkSubtree recursively enumerates one subtree. Per-item errors are
// skipped; a wholesale subtree failure is recorded (or escalated in
// fail-fast mode).
func (r *walkRun) walkSubtree(absSubtree string) {
	err := filepath.WalkDir(absSubtree, func(absPath string, d os.DirEntry, err error) error {
		relPathKey, normErr := util.NormalizedRelPath(r.absRoot, absPath)
		if normErr != nil {
			return fmt.Errorf("could not get relative path for %s: %w", absPath, normErr)
		}

		if err != nil {
			// Record the path before skipping: it still exists, so it must
			// not be inferred as deleted this run.
			r.seen.Store(relPathKey)
			r.metrics.AddSkipped(1)

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			plog.Debug("SKIP", "reason", "error accessing path", "path", absPath, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if r.rules.Matches(relPathKey) {
				r.metrics.AddDirsIgnored(1)
				plog.Notice("IGN", "path", relPathKey)
				return filepath.SkipDir
			}
			r.metrics.AddDirsSeen(1)
			return nil
		}

		if r.rules.Matches(relPathKey) {
			r.metrics.AddFilesIgnored(1)
			plog.Notice("IGN", "path", relPathKey)
			return nil
		}

		r.visitFile(absPath, relPathKey, d)
		return nil
	})

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	subtreeKey := util.NormalizePath(filepath.Base(absSubtree))
	subtreeErr := fmt.Errorf("subtree walk failed: %w", err)
	if r.failFast {
		// Use a non-blocking send in case another worker has already sent
		// a critical error.
		select {
		case r.criticalErrsChan <- subtreeErr:
		default:
		}
		return
	}
	r.walkErrs.Store(subtreeKey, subtreeErr)
	plog.Warn("Enumeration of subtree failed; its files are not part of this run", "subtree", subtreeKey, "error", err)
}

// visitFile turns one directory entry into a Record and hands it to the
// collector. Shared by workers and the coordinator; everything it touches
// is safe for concurrent use.
func (r *walkRun) visitFile(absPath, relPathKey string, d os.DirEntry) {
	info, err := d.Info()
	if err != nil {
		// Vanished between listing and stat, or became unreadable.
		r.seen.Store(relPathKey)
		r.metrics.AddSkipped(1)
		plog.Debug("SKIP", "reason", "could not stat file", "path", absPath, "error", err)
		return
	}

	if !info.Mode().IsRegular() {
		// Symlinks, pipes, sockets and devices are not tracked.
		plog.Notice("SKIP", "type", info.Mode().String(), "path", relPathKey)
		return
	}

	record := Record{
		AbsPath:    absPath,
		RelPathKey: relPathKey,
		Size:       info.Size(),
		Mtime:      info.ModTime().Unix(),
		Mode:       info.Mode(),
	}

	if r.fingerprint {
		fingerprint, hashErr := r.hashFile(absPath)
		if hashErr != nil {
			r.seen.Store(relPathKey)
			r.metrics.AddSkipped(1)
			plog.Debug("SKIP", "reason", "could not fingerprint file", "path", absPath, "error", hashErr)
			return
		}
		record.Fingerprint = fingerprint
		r.metrics.AddFilesHashed(1)
		r.metrics.AddBytesHashed(record.Size)
	}

	r.seen.Store(relPathKey)
	r.metrics.AddFilesSeen(1)

	select {
	case <-r.ctx.Done():
	case r.recordsChan <- record:
	}
}

// hashFile computes the hex SHA-256 of a file using a pooled copy buffer.
func (r *walkRun) hashFile(absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()

	bufPtr := r.ioBufferPool.Get()
	defer r.ioBufferPool.Put(bufPtr)
	buf := *bufPtr
	// Always reset len to cap, strictly for io.Copy purposes.
	buf = buf[:cap(buf)]

	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// collector is the single appender to the result slice.
func (r *walkRun) collector() {
	defer r.collectorWg.Done()
	for record := range r.recordsChan {
		r.records = append(r.records, record)
	}
}

// logNonFatalErrors summarizes subtree failures that did not abort the run.
func (r *walkRun) logNonFatalErrors() {
	allErrors := r.walkErrs.Items()
	if len(allErrors) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d subtree error(s) occurred during enumeration:\n", len(allErrors)))
	for path, err := range allErrors {
		sb.WriteString(fmt.Sprintf("  - subtree: %s, error: %v\n", path, err))
	}
	plog.Warn(sb.String())
}
