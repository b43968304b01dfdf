// --- ARCHITECTURAL OVERVIEW: Chain-Merge Replay ---
//
// Restore replays the archive chain strictly in chronological order and
// resolves every relative path to its final state in a single pass:
//
//  1. Chain order comes from the name-encoded timestamps, never from
//     directory listing order or archive file mtimes.
//  2. A replay-local "best known" mtime per path decides whether a member
//     supersedes state an earlier archive already materialized: the first
//     sighting always applies, after that only a strictly newer member.
//  3. The metadata store's tombstones veto materialization: a path whose
//     tombstone is at least as new as the member stays absent.
//
// The replay is additive. Resolving a path to Deleted suppresses further
// extraction but never removes bytes already sitting in the target, so
// restoring into a non-empty directory yields union semantics for paths
// the chain does not mention.

// Package pathrestore materializes the final state of a backup chain into
// a target directory.
package pathrestore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-snapshot/pkg/hints"
	"github.com/paulschiretz/pgl-snapshot/pkg/ignore"
	"github.com/paulschiretz/pgl-snapshot/pkg/metafile"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/pool"
	"github.com/paulschiretz/pgl-snapshot/pkg/sharded"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// dirCacheShards sizes the created-directory cache; must be a power of two.
const dirCacheShards = 16

// ErrEmptyChain signals that the base directory holds no archives to
// replay, or none at or before the requested cutoff. It is a hint, not a
// failure.
var ErrEmptyChain = hints.Wrap(errors.New("no archives found to restore"))

// Summary reports what one restore run did.
type Summary struct {
	ArchivesReplayed int64
	FilesRestored    int64
	Suppressed       int64
	Superseded       int64
	Failed           int64
}

// ChainRestorer defines the interface for a component that replays a
// backup chain into a target directory.
type ChainRestorer interface {
	Restore(ctx context.Context, plan Plan) (Summary, error)
}

// Restorer is the reusable restore component. It owns the copy buffer
// pool shared by all runs.
type Restorer struct {
	ioBufferPool *pool.FixedBufferPool
}

// Statically assert that *Restorer implements the ChainRestorer interface.
var _ ChainRestorer = (*Restorer)(nil)

// NewRestorer creates a Restorer. A non-positive buffer size falls back
// to the archive-side default.
func NewRestorer(copyBufferKiB int) *Restorer {
	if copyBufferKiB <= 0 {
		copyBufferKiB = patharchive.DefaultCopyBufferKiB
	}
	return &Restorer{
		ioBufferPool: pool.NewFixedBuffer(int64(copyBufferKiB) * 1024),
	}
}

// resolvedState is the replay-local verdict for one path.
type resolvedState struct {
	mtime  int64
	absent bool
}

// restoreRun holds the mutable state for a single execution of the
// restorer. This keeps the Restorer itself stateless.
type restoreRun struct {
	ctx           context.Context
	absTargetPath string
	rules         *ignore.RuleSet
	until         time.Time
	store         *metafile.Store
	metrics       Metrics
	ioBufferPool  *pool.FixedBufferPool

	bestKnown map[string]resolvedState
	dirCache  *sharded.Set
	dirGroup  singleflight.Group

	summary Summary
}

// Restore discovers the chain under plan.AbsBasePath and replays it into
// plan.AbsTargetPath. The replay is strictly sequential; archive order
// and in-archive member order are part of the merge contract.
func (r *Restorer) Restore(ctx context.Context, plan Plan) (Summary, error) {
	store, err := metafile.Load(plan.AbsBasePath)
	if err != nil {
		return Summary{}, fmt.Errorf("could not load snapshot metadata: %w", err)
	}

	chain, err := patharchive.DiscoverChain(plan.AbsBasePath, "")
	if err != nil {
		return Summary{}, err
	}
	if !plan.Until.IsZero() {
		chain = chainUntil(chain, plan.Until)
	}
	if len(chain) == 0 {
		return Summary{}, ErrEmptyChain
	}

	if err := os.MkdirAll(plan.AbsTargetPath, util.UserWritableDirPerms); err != nil {
		return Summary{}, fmt.Errorf("could not create restore target %s: %w", plan.AbsTargetPath, err)
	}

	var m Metrics
	if plan.Metrics {
		m = &RestoreMetrics{}
	} else {
		m = &NoopMetrics{}
	}

	run := &restoreRun{
		ctx:           ctx,
		absTargetPath: plan.AbsTargetPath,
		rules:         plan.Rules,
		until:         plan.Until,
		store:         store,
		metrics:       m,
		ioBufferPool:  r.ioBufferPool,
		bestKnown:     make(map[string]resolvedState, store.Len()),
		dirCache:      sharded.NewSet(dirCacheShards),
	}
	return run.execute(chain)
}

func (r *restoreRun) execute(chain []patharchive.Member) (Summary, error) {
	plog.Info("Restoring chain", "archives", len(chain), "target", r.absTargetPath)

	r.metrics.StartProgress("Restore progress", 10*time.Second)
	defer func() {
		r.metrics.StopProgress()
		r.metrics.LogSummary("Restore finished")
	}()

	for _, member := range chain {
		select {
		case <-r.ctx.Done():
			return r.summary, r.ctx.Err()
		default:
		}

		if err := r.replayArchive(member); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return r.summary, err
			}
			// A damaged archive forfeits its members; the rest of the
			// chain still restores.
			plog.Warn("Could not replay archive", "archive", member.Name, "error", err)
			r.summary.Failed++
			r.metrics.AddFailed(1)
			continue
		}
		r.summary.ArchivesReplayed++
		r.metrics.AddArchivesReplayed(1)
	}
	return r.summary, nil
}

func (r *restoreRun) replayArchive(member patharchive.Member) error {
	plog.Notice("REPLAY", "archive", member.Name, "kind", member.Kind)

	f, err := os.Open(member.AbsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var payload io.Reader
	switch member.Format {
	case patharchive.TarZst:
		decoder, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("could not open zstd stream: %w", err)
		}
		defer decoder.Close()
		payload = decoder
	default:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("could not open gzip stream: %w", err)
		}
		defer gz.Close()
		payload = gz
	}

	tr := tar.NewReader(payload)
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Canceled backups finalize at a clean member boundary, but a
			// crash can still truncate a tail mid-member.
			plog.Warn("Archive ended unexpectedly; keeping members read so far", "archive", member.Name, "error", err)
			return nil
		}

		r.replayMember(tr, header)
	}
}

// replayMember applies the merge rules to one member and extracts it when
// it wins.
func (r *restoreRun) replayMember(tr *tar.Reader, header *tar.Header) {
	key := util.NormalizePath(header.Name)

	if r.rules.Matches(key) {
		plog.Debug("IGN", "file", key)
		return
	}

	switch header.Typeflag {
	case tar.TypeReg:
		// merge handling below
	case tar.TypeDir:
		// Directories carry no merge state; create them additively.
		if err := r.ensureDir(key, util.DenormalizedAbsPath(r.absTargetPath, key)); err != nil {
			r.recordFailure(key, err)
		}
		return
	default:
		plog.Notice("SKIP", "file", key, "type", header.FileInfo().Mode().Type().String())
		return
	}

	mtime := header.ModTime.Unix()

	// Merge rule 1: an earlier archive already resolved this path at an
	// mtime at least this new.
	if best, seen := r.bestKnown[key]; seen && mtime <= best.mtime {
		r.summary.Superseded++
		r.metrics.AddSuperseded(1)
		plog.Debug("Member superseded by newer state", "file", key)
		return
	}

	// Merge rule 2: a tombstone at least as new as the member keeps the
	// path absent.
	if r.tombstoned(key, mtime) {
		r.bestKnown[key] = resolvedState{mtime: mtime, absent: true}
		r.summary.Suppressed++
		r.metrics.AddSuppressed(1)
		plog.Notice("SUPPRESS", "file", key)
		return
	}

	absTarget := util.DenormalizedAbsPath(r.absTargetPath, key)
	if err := r.extractMember(tr, header, key, absTarget); err != nil {
		// bestKnown stays untouched: a later copy of this path, even at
		// the same mtime, may still succeed.
		r.recordFailure(key, err)
		return
	}

	r.bestKnown[key] = resolvedState{mtime: mtime}
	r.summary.FilesRestored++
	r.metrics.AddFilesRestored(1)
	plog.Notice("EXTRACT", "file", key)
}

// tombstoned reports whether the store's deletion record for key vetoes a
// member with the given mtime. With a point-in-time cutoff, deletions
// recorded after the cutoff have not happened yet from the replay's
// perspective.
func (r *restoreRun) tombstoned(key string, mtime int64) bool {
	entry, ok := r.store.Get(key)
	if !ok || entry.Status != metafile.StatusDeleted {
		return false
	}
	if !r.until.IsZero() && entry.Mtime > r.until.Unix() {
		return false
	}
	return entry.Mtime >= mtime
}

func (r *restoreRun) extractMember(tr *tar.Reader, header *tar.Header, key, absTarget string) error {
	// Security: Zip Slip protection. The member must stay inside the
	// restore target; archives are data, not trusted input.
	if !strings.HasPrefix(absTarget, filepath.Clean(r.absTargetPath)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal file path in archive: %s", header.Name)
	}

	if err := r.ensureDir(path.Dir(key), filepath.Dir(absTarget)); err != nil {
		return err
	}

	// Security: Strip SUID and SGID bits to prevent privilege escalation.
	mode := os.FileMode(header.Mode) &^ (os.ModeSetuid | os.ModeSetgid)

	// Security: Remove the file if it exists to prevent following a
	// symlink created by earlier content (Symlink Interception).
	_ = os.Remove(absTarget)

	outFile, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}

	bufPtr := r.ioBufferPool.Get()
	n, err := io.CopyBuffer(outFile, tr, *bufPtr)
	r.ioBufferPool.Put(bufPtr)
	r.metrics.AddBytesWritten(n)

	closeErr := outFile.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	// Preserve the member's own timestamp; the merge derives state from
	// it when this tree is backed up or replayed again.
	_ = os.Chtimes(absTarget, header.AccessTime, header.ModTime)
	return nil
}

// ensureDir creates a directory once per run. Many members share the same
// parent, so a cache plus singleflight collapses the MkdirAll and the
// conflict handling to a single execution per path.
func (r *restoreRun) ensureDir(relDir, absDir string) error {
	if relDir == "" || relDir == "." || relDir == "/" {
		return nil
	}
	if r.dirCache.Has(relDir) {
		return nil
	}

	_, err, _ := r.dirGroup.Do(relDir, func() (any, error) {
		if r.dirCache.Has(relDir) {
			return nil, nil
		}

		info, err := os.Lstat(absDir)
		if err == nil && !info.IsDir() {
			// A file or symlink occupies the directory's name; it loses.
			plog.Warn("Restore path exists but is not a directory, removing", "path", relDir, "type", info.Mode().String())
			if err := os.RemoveAll(absDir); err != nil {
				return nil, fmt.Errorf("failed to remove conflicting path %s: %w", relDir, err)
			}
		}
		if err := os.MkdirAll(absDir, util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", relDir, err)
		}

		r.dirCache.Store(relDir)
		return nil, nil
	})
	return err
}

func (r *restoreRun) recordFailure(key string, err error) {
	plog.Warn("Could not restore file", "file", key, "error", err)
	r.summary.Failed++
	r.metrics.AddFailed(1)
}

// chainUntil returns the chain prefix at or before the cutoff.
func chainUntil(chain []patharchive.Member, until time.Time) []patharchive.Member {
	cut := len(chain)
	for i, member := range chain {
		if member.TimestampUTC.After(until) {
			cut = i
			break
		}
	}
	return chain[:cut]
}
