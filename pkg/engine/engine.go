// Package engine executes the plans produced by the planner. It owns the
// sequencing of a run: preflight, locking, hooks, enumeration, change
// detection, archiving, metadata persistence and retention. The phase
// work itself lives in the path* worker packages; the engine wires them
// together and decides what a failure in one phase means for the rest of
// the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"

	"github.com/paulschiretz/pgl-snapshot/pkg/hook"
	"github.com/paulschiretz/pgl-snapshot/pkg/lockfile"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathrestore"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathretention"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathwalk"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/preflight"
)

// Runner coordinates one snapshot operation end to end. The phase workers
// are injected as interfaces so tests can replace any of them.
type Runner struct {
	validator preflight.Checker
	walker    pathwalk.Enumerator
	archiver  patharchive.ChainWriter
	restorer  pathrestore.ChainRestorer
	retainer  pathretention.Retainer

	hooks *hook.HookExecutor
}

// NewRunner creates a Runner from its phase workers. Hooks run through
// the real shell by default; tests swap the command factory via
// SetHookCommandExecutor.
func NewRunner(
	validator preflight.Checker,
	walker pathwalk.Enumerator,
	archiver patharchive.ChainWriter,
	restorer pathrestore.ChainRestorer,
	retainer pathretention.Retainer,
) *Runner {
	return &Runner{
		validator: validator,
		walker:    walker,
		archiver:  archiver,
		restorer:  restorer,
		retainer:  retainer,
		hooks:     hook.NewHookExecutor(exec.CommandContext),
	}
}

// SetHookCommandExecutor replaces the factory used to create hook
// commands. Tests use this to intercept shell execution.
func (r *Runner) SetHookCommandExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) {
	r.hooks = hook.NewHookExecutor(commandContext)
}

// BackupSummary reports what one backup run did. Archive is empty when
// the run recorded deletions only.
type BackupSummary struct {
	Archive   string
	Kind      patharchive.Kind
	Selected  int
	Deleted   int
	Unchanged int
}

// acquireBaseLock serializes every operation that touches a chain. A lock
// already held by a live process is not an error: the caller gets a nil
// release func and should skip the run. A dry run against a base directory
// that does not exist yet proceeds without a lock, since everything
// downstream of preflight is read-only in that mode.
func (r *Runner) acquireBaseLock(ctx context.Context, absBasePath string, dryRun bool) (func(), error) {
	appID := fmt.Sprintf("pgl-snapshot:%s", absBasePath)

	plog.Debug("Attempting to acquire base lock", "path", absBasePath)
	lock, err := lockfile.Acquire(ctx, absBasePath, appID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Operation is already running for this base directory, skipping run.", "details", lockErr.Error())
			return nil, nil
		}
		if dryRun && errors.Is(err, fs.ErrNotExist) {
			plog.Debug("Base directory does not exist yet, continuing dry run without a lock")
			return func() {}, nil
		}
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", absBasePath, err)
	}

	plog.Debug("Base lock acquired", "path", absBasePath)
	return lock.Release, nil
}
