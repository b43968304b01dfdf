package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/hints"
	"github.com/paulschiretz/pgl-snapshot/pkg/metafile"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathdiff"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathrestore"
	"github.com/paulschiretz/pgl-snapshot/pkg/planner"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/preflight"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// ExecuteBackup runs one snapshot: enumerate the source, detect changes
// against the metadata store, write the selected files into a new chain
// archive and record deletions as tombstones. The store is persisted only
// after the archive landed under its final name; a canceled run keeps its
// partial archive readable but leaves the store untouched, so the next
// run re-selects everything the interrupted one claimed.
//
// A nil summary with a nil error means the run was skipped because
// another process holds the base lock.
func (r *Runner) ExecuteBackup(ctx context.Context, p *planner.BackupPlan) (*BackupSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// One timestamp per run. It names the archive, stamps the tombstones
	// and is exported to the hooks.
	timestampUTC := time.Now().UTC()

	if err := r.validator.Run(ctx, p.AbsSourcePath, p.AbsBasePath, p.Preflight, timestampUTC); err != nil {
		return nil, fmt.Errorf("preflight failed: %w", err)
	}

	releaseLock, err := r.acquireBaseLock(ctx, p.AbsBasePath, p.DryRun)
	if err != nil {
		return nil, err
	}
	if releaseLock == nil {
		return nil, nil // Lock held elsewhere, exit gracefully.
	}
	defer releaseLock()

	if err := r.hooks.RunPreHook(ctx, "backup", p.Hooks, timestampUTC); err != nil && !hints.IsHint(err) {
		errMsg := "pre-backup hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-backup hook canceled"
		}
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}

	// Post hooks always get their chance, even when the run fails; a
	// remount or notification must not depend on the backup's success.
	defer func() {
		if err := r.hooks.RunPostHook(ctx, "backup", p.Hooks, timestampUTC); err != nil && !hints.IsHint(err) {
			if errors.Is(err, context.Canceled) {
				plog.Info("Post-backup hooks skipped due to cancellation.")
				return
			}
			plog.Warn("Post-backup hook failed", "error", err)
		}
	}()

	walkResult, err := r.walker.Walk(ctx, *p.Walk)
	if err != nil {
		return nil, fmt.Errorf("source enumeration failed: %w", err)
	}

	store, err := metafile.Load(p.AbsBasePath)
	if err != nil {
		return nil, err
	}

	// The existing chain decides whether an auto-mode run is promoted to
	// a full snapshot, and the kind in turn decides whether detection may
	// skip unchanged files.
	stem := patharchive.Stem(p.Archive.Prefix, p.RootName)
	chain, err := patharchive.DiscoverChain(p.AbsBasePath, stem)
	if err != nil {
		// A dry run may target a base that only preflight would have
		// created. No directory means no chain.
		if !(p.DryRun && errors.Is(err, fs.ErrNotExist)) {
			return nil, err
		}
		chain = nil
	}
	kind := p.ResolveKind(chain, timestampUTC)
	p.Diff.Full = kind == patharchive.Full

	diff := pathdiff.Detect(*p.Diff, walkResult.Records, walkResult.Seen, store)

	var selectedBytes int64
	for _, record := range diff.Selected {
		selectedBytes += record.Size
	}
	plog.Info("Change detection finished",
		"kind", kind,
		"present", walkResult.Seen.Count(),
		"selected", len(diff.Selected),
		"bytes", util.ByteCountIEC(selectedBytes),
		"deleted", len(diff.Deleted),
		"unchanged", diff.Unchanged)

	// Nothing new, nothing gone: no archive, no metadata churn. The
	// caller treats this as a notice, not a failure.
	if len(diff.Selected) == 0 && len(diff.Deleted) == 0 {
		return nil, patharchive.ErrNothingToArchive
	}

	summary := &BackupSummary{
		Kind:      kind,
		Selected:  len(diff.Selected),
		Deleted:   len(diff.Deleted),
		Unchanged: diff.Unchanged,
	}

	canceled := false
	if len(diff.Selected) > 0 {
		if !p.DryRun {
			if err := preflight.CheckFreeSpace(p.AbsBasePath, selectedBytes); err != nil {
				return nil, err
			}
		}

		p.Archive.Kind = kind
		p.Archive.TimestampUTC = timestampUTC
		p.Archive.Store = store

		writer, err := r.archiver.Open(*p.Archive)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}

		for _, record := range diff.Selected {
			if err := writer.Add(ctx, record); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					canceled = true
					break
				}
				writer.Discard()
				return nil, fmt.Errorf("archive write failed: %w", err)
			}
		}

		// Finalize renames even a canceled archive: every member it holds
		// is complete, so it stays a valid chain link.
		archivePath, err := writer.Finalize(canceled)
		if err != nil {
			return nil, err
		}
		summary.Archive = archivePath
	} else {
		plog.Info("No file changes to archive, recording deletions only", "deleted", len(diff.Deleted))
	}

	if canceled {
		// The partial archive is already named into the chain, but the
		// store must not absorb this run: unpersisted means the next run
		// re-selects whatever the interrupted one already wrote.
		plog.Warn("Run canceled, snapshot metadata not persisted", "archive", summary.Archive)
		return nil, ctx.Err()
	}

	if p.DryRun {
		if len(diff.Deleted) > 0 {
			plog.Notice("[DRY RUN] TOMBSTONE", "deleted", len(diff.Deleted))
		}
		plog.Info("[DRY RUN] Snapshot metadata not persisted")
		return summary, nil
	}

	for _, key := range diff.Deleted {
		store.SetDeleted(key, timestampUTC.Unix())
	}
	if err := store.Save(); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot metadata: %w", err)
	}

	plog.Info("Snapshot completed",
		"kind", kind,
		"archive", summary.Archive,
		"archived", summary.Selected,
		"tombstones", summary.Deleted)
	return summary, nil
}

// ExecuteRestore rebuilds the source tree at the plan's target by
// replaying the chain oldest to newest. A nil summary with a nil error
// means the run was skipped because another process holds the base lock.
func (r *Runner) ExecuteRestore(ctx context.Context, p *planner.RestorePlan) (*pathrestore.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timestampUTC := time.Now().UTC()

	// The base directory is the read side of a restore, so it takes the
	// source checks and the restore target takes the destination checks.
	if err := r.validator.Run(ctx, p.AbsBasePath, p.AbsTargetPath, p.Preflight, timestampUTC); err != nil {
		return nil, fmt.Errorf("preflight failed: %w", err)
	}

	if p.DryRun {
		return nil, r.previewRestore(p)
	}

	releaseLock, err := r.acquireBaseLock(ctx, p.AbsBasePath, false)
	if err != nil {
		return nil, err
	}
	if releaseLock == nil {
		return nil, nil // Lock held elsewhere, exit gracefully.
	}
	defer releaseLock()

	summary, err := r.restorer.Restore(ctx, *p.Restore)
	if err != nil {
		return nil, err
	}

	if summary.Failed > 0 {
		plog.Warn("Restore finished with failures", "failed", summary.Failed)
	}
	plog.Info("Restore completed",
		"archives", summary.ArchivesReplayed,
		"restored", summary.FilesRestored,
		"suppressed", summary.Suppressed,
		"superseded", summary.Superseded)
	return &summary, nil
}

// previewRestore lists the chain segment a real run would replay. It
// reads nothing but archive names, so it works without the lock.
func (r *Runner) previewRestore(p *planner.RestorePlan) error {
	chain, err := patharchive.DiscoverChain(p.AbsBasePath, "")
	if err != nil {
		return err
	}

	var replay []patharchive.Member
	for _, member := range chain {
		if !p.Until.IsZero() && member.TimestampUTC.After(p.Until) {
			continue
		}
		replay = append(replay, member)
	}
	if len(replay) == 0 {
		return pathrestore.ErrEmptyChain
	}

	for _, member := range replay {
		plog.Notice("[DRY RUN] REPLAY", "archive", member.Name, "kind", member.Kind, "size", util.ByteCountIEC(member.Size))
	}
	plog.Info("[DRY RUN] Restore would replay the chain", "archives", len(replay), "target", p.AbsTargetPath)
	return nil
}

// ListChain returns the chain members for a listing, ordered per the
// plan. An empty base directory yields an empty chain, not an error.
func (r *Runner) ListChain(ctx context.Context, p *planner.ListPlan) ([]patharchive.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chain, err := patharchive.DiscoverChain(p.AbsBasePath, p.Stem)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if p.SortOrder == planner.Desc {
		slices.Reverse(chain)
	}
	return chain, nil
}

// ExecuteList prints the chain and a summary of the tracked metadata.
func (r *Runner) ExecuteList(ctx context.Context, p *planner.ListPlan) error {
	chain, err := r.ListChain(ctx, p)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		plog.Info("No snapshots found", "base", p.AbsBasePath)
		return nil
	}

	var totalSize int64
	fulls := 0
	for _, member := range chain {
		plog.Info("Snapshot found",
			"name", member.Name,
			"kind", member.Kind,
			"format", member.Format,
			"size", util.ByteCountIEC(member.Size),
			"created", member.TimestampUTC.Format(time.RFC3339))
		totalSize += member.Size
		if member.Kind == patharchive.Full {
			fulls++
		}
	}
	plog.Info("Chain summary",
		"snapshots", len(chain),
		"full", fulls,
		"incremental", len(chain)-fulls,
		"totalSize", util.ByteCountIEC(totalSize))

	store, err := metafile.Load(p.AbsBasePath)
	if err != nil {
		plog.Warn("Could not read snapshot metadata", "error", err)
		return nil
	}
	if store.Len() == 0 {
		return nil
	}
	present, deleted := 0, 0
	store.Range(func(key string, e metafile.Entry) bool {
		if e.Status == metafile.StatusDeleted {
			deleted++
		} else {
			present++
		}
		return true
	})
	plog.Info("Tracked paths", "present", present, "tombstones", deleted)
	return nil
}

// ExecutePrune applies the retention policy to the chain. A lock held
// elsewhere skips the run without error, like a backup would.
func (r *Runner) ExecutePrune(ctx context.Context, p *planner.PrunePlan) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timestampUTC := time.Now().UTC()

	// Prune has no source; only the base directory gets validated.
	if err := r.validator.Run(ctx, "", p.AbsBasePath, p.Preflight, timestampUTC); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	releaseLock, err := r.acquireBaseLock(ctx, p.AbsBasePath, p.DryRun)
	if err != nil {
		return err
	}
	if releaseLock == nil {
		return nil // Lock held elsewhere, exit gracefully.
	}
	defer releaseLock()

	if err := r.retainer.Apply(ctx, p.Retention); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	return nil
}
