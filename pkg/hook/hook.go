// Package hook runs user-configured shell commands around a snapshot
// run. Commands execute through the platform shell; the run timestamp
// is exported as PGL_SNAPSHOT_TIMESTAMP so scripts can reference the
// archive being produced.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/hints"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// TimestampEnvVar carries the run timestamp (archive name layout, UTC)
// into hook commands.
const TimestampEnvVar = "PGL_SNAPSHOT_TIMESTAMP"

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a HookExecutor. Pass exec.CommandContext for
// real execution.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreHook executes the plan's pre-run commands. A failing command
// aborts the run when FailFast is set and is logged otherwise.
func (e *HookExecutor) RunPreHook(ctx context.Context, hookName string, p *Plan, timestampUTC time.Time) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PreHookCommands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running Pre-%s hook commands", hookName))
	return e.runCommands(ctx, p.PreHookCommands, p, timestampUTC)
}

// RunPostHook executes the plan's post-run commands.
func (e *HookExecutor) RunPostHook(ctx context.Context, hookName string, p *Plan, timestampUTC time.Time) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PostHookCommands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running Post-%s hook commands", hookName))
	return e.runCommands(ctx, p.PostHookCommands, p, timestampUTC)
}

func (e *HookExecutor) runCommands(ctx context.Context, commands []string, p *Plan, timestampUTC time.Time) error {
	for _, hookCommand := range commands {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)

		// A mock may have set its own environment already.
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, TimestampEnvVar+"="+timestampUTC.UTC().Format(patharchive.ArchiveTimeLayout))

		// Pipe output through for visibility.
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// cmd.Wait reports a kill as a plain exit error; surface the
			// cancellation instead.
			if ctx.Err() == context.Canceled {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}
