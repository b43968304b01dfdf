// Package pathretention prunes outdated archives from a snapshot chain.
//
// The policy is chain-aware rather than calendar-based: an incremental
// archive is only restorable together with the full archive that anchors
// its segment, so retention never deletes a full while keeping the
// incrementals that depend on it. The rule is "keep the newest KeepFull
// full archives plus every incremental at or after the oldest kept
// full"; everything older is deleted. A chain without any full archive
// is never touched.
package pathretention

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathretentionmetrics"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

// DefaultNumWorkers is the delete pool size when the config does not set one.
// Deletion is metadata-bound, so a small pool is enough even on network drives.
const DefaultNumWorkers = 4

// PathRetainer deletes prunable archives from a chain. It is stateless;
// all per-run state lives in a task.
type PathRetainer struct {
	numWorkers int
}

// Retainer defines the interface for a component that applies the
// retention policy to an archive chain.
type Retainer interface {
	Apply(ctx context.Context, plan *Plan) error
}

// Statically assert that *PathRetainer implements the Retainer interface.
var _ Retainer = (*PathRetainer)(nil)

// NewPathRetainer creates a new PathRetainer with the given delete pool size.
func NewPathRetainer(numWorkers int) *PathRetainer {
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}
	return &PathRetainer{
		numWorkers: numWorkers,
	}
}

// Apply discovers the archive chain in the plan's base directory and
// deletes every member that falls outside the retention window.
func (pr *PathRetainer) Apply(ctx context.Context, plan *Plan) error {
	if plan.KeepFull <= 0 {
		plog.Debug("Retention is disabled (keep-full is zero). Skipping.")
		return nil
	}

	stem := patharchive.Stem(plan.Prefix, plan.RootName)
	chain, err := patharchive.DiscoverChain(plan.AbsBasePath, stem)
	if err != nil {
		return fmt.Errorf("retention could not discover the archive chain: %w", err)
	}
	if len(chain) == 0 {
		plog.Debug("No archives found, nothing to prune.", "path", plan.AbsBasePath)
		return nil
	}

	toDelete := prunable(chain, plan.KeepFull)
	if len(toDelete) == 0 {
		if plan.DryRun {
			plog.Debug("[DRY RUN] No archives need deletion", "kept", len(chain))
		} else {
			plog.Debug("No archives need deletion", "kept", len(chain))
		}
		return nil
	}

	var m pathretentionmetrics.Metrics
	if plan.Metrics {
		m = &pathretentionmetrics.RetentionMetrics{}
	} else {
		m = &pathretentionmetrics.NoopMetrics{}
	}

	run := &task{
		ctx:              ctx,
		toDelete:         toDelete,
		kept:             len(chain) - len(toDelete),
		dryRun:           plan.DryRun,
		failFast:         plan.FailFast,
		metrics:          m,
		numWorkers:       pr.numWorkers,
		deleteTasksChan:  make(chan patharchive.Member, pr.numWorkers*2),
		criticalErrsChan: make(chan error, 1),
	}
	return run.execute()
}

// prunable returns the chain members to delete: everything strictly older
// than the oldest kept full archive. The cut point is found by counting
// fulls from the newest end; when the chain holds fewer fulls than the
// budget, the oldest full still anchors the kept suffix so that leading
// orphan incrementals (whose own full is already gone) are cleaned up.
// A chain with no full at all is kept whole.
func prunable(chain []patharchive.Member, keepFull int) []patharchive.Member {
	cut := -1
	fullsSeen := 0
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Kind != patharchive.Full {
			continue
		}
		fullsSeen++
		cut = i
		if fullsSeen == keepFull {
			break
		}
	}
	if cut <= 0 {
		return nil
	}
	return chain[:cut]
}
