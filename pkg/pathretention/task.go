package pathretention

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathretentionmetrics"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

// task holds the mutable state for a single retention pass. This keeps
// the PathRetainer itself stateless and safe for concurrent use.
type task struct {
	ctx context.Context

	toDelete []patharchive.Member
	kept     int

	dryRun   bool
	failFast bool

	metrics    pathretentionmetrics.Metrics
	numWorkers int

	deleteTasksChan chan patharchive.Member
	deleteWg        sync.WaitGroup

	// criticalErrsChan captures the first delete error in fail-fast mode
	// so the run can abort after the pool drains.
	criticalErrsChan chan error
}

// execute deletes the prunable archives with a small worker pool. Archive
// files on network mounts delete slowly one at a time, so a handful of
// parallel removals pays off even though each one is a single syscall.
func (t *task) execute() error {
	plog.Info("Deleting outdated archives", "count", len(t.toDelete), "kept", t.kept)

	t.metrics.StartProgress("Delete progress", 10*time.Second)
	defer func() {
		t.metrics.StopProgress()
		t.metrics.LogSummary("Delete finished")
	}()

	for i := 0; i < t.numWorkers; i++ {
		t.deleteWg.Add(1)
		go t.deleteWorker()
	}

	go t.deleteTaskProducer()

	t.deleteWg.Wait()

	if err := t.ctx.Err(); err != nil {
		return err
	}

	select {
	case err := <-t.criticalErrsChan:
		return fmt.Errorf("critical retention error: %w", err)
	default:
	}

	return nil
}

// deleteTaskProducer feeds the prunable members into the channel for workers.
func (t *task) deleteTaskProducer() {
	defer close(t.deleteTasksChan)
	for _, member := range t.toDelete {
		select {
		case <-t.ctx.Done():
			plog.Debug("Cancellation received, stopping retention job feeding.")
			return
		case t.deleteTasksChan <- member:
		}
	}
}

// deleteWorker consumes members from the channel and removes their files.
func (t *task) deleteWorker() {
	defer t.deleteWg.Done()
	for member := range t.deleteTasksChan {
		// Check for cancellation before each deletion.
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if t.dryRun {
			plog.Notice("[DRY RUN] DELETE", "archive", member.Name)
			continue
		}

		plog.Notice("DELETE", "archive", member.Name)
		if err := os.Remove(member.AbsPath); err != nil {
			t.metrics.AddArchivesFailed(1)
			plog.Warn("Failed to delete outdated archive", "archive", member.Name, "error", err)
			if t.failFast {
				// Non-blocking send in case another worker already
				// reported a critical error.
				select {
				case t.criticalErrsChan <- fmt.Errorf("could not delete archive %s: %w", member.Name, err):
				default:
				}
				return
			}
			continue
		}
		t.metrics.AddArchivesDeleted(1)
		t.metrics.AddBytesReclaimed(member.Size)
		plog.Notice("DELETED", "archive", member.Name)
	}
}
