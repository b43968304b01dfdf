// Command pgl-snapshot creates change-aware archive snapshots of a
// directory tree and restores any recorded state by replaying the
// resulting chain.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-snapshot/cmd"
	"github.com/paulschiretz/pgl-snapshot/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapshot/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapshot/pkg/hints"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

// Exit codes. Hints (skipped runs, user cancels) exit clean; 130 marks a
// run that was interrupted but shut down safely.
const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

// run dispatches the parsed subcommand. A nil error with command None
// means usage was already printed.
func run(ctx context.Context) error {
	command, flagMap, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	switch command {
	case flagparse.Backup, flagparse.Restore, flagparse.Prune, flagparse.Init:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
	}

	switch command {
	case flagparse.Backup:
		return cmd.RunBackup(ctx, flagMap)
	case flagparse.Restore:
		return cmd.RunRestore(ctx, flagMap)
	case flagparse.List:
		return cmd.RunList(ctx, flagMap)
	case flagparse.Prune:
		return cmd.RunPrune(ctx, flagMap)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Devices:
		return cmd.RunDevices(ctx)
	case flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	default:
		return nil
	}
}

func main() {
	// The first interrupt cancels the run context so the engine can shut
	// down safely; a second one kills the process via the default handler.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	stop()

	switch {
	case err == nil:
		os.Exit(exitOK)
	case hints.IsHint(err):
		plog.Info(buildinfo.Name + " has nothing to do: " + err.Error())
		os.Exit(exitOK)
	case errors.Is(err, context.Canceled):
		plog.Warn(buildinfo.Name + " was interrupted and shut down safely.")
		os.Exit(exitInterrupted)
	default:
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(exitError)
	}
}
