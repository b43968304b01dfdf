// Package cmd implements the CLI subcommands. Each RunX function takes
// the flag map produced by flagparse, resolves the effective
// configuration for the base directory and hands a generated plan to the
// engine.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapshot/pkg/config"
	"github.com/paulschiretz/pgl-snapshot/pkg/device"
	"github.com/paulschiretz/pgl-snapshot/pkg/engine"
	"github.com/paulschiretz/pgl-snapshot/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathrestore"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathretention"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathwalk"
	"github.com/paulschiretz/pgl-snapshot/pkg/planner"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/pool"
	"github.com/paulschiretz/pgl-snapshot/pkg/preflight"
)

// RunBackup handles the logic for the backup command.
func RunBackup(ctx context.Context, flagMap map[string]interface{}) error {
	// Define mandatory flags
	base, ok := flagMap["base"].(string)
	if !ok || base == "" {
		return fmt.Errorf("the -base flag is required to run a backup")
	}
	source, ok := flagMap["source"].(string)
	if !ok || source == "" {
		return fmt.Errorf("the -source flag is required to run a backup")
	}

	// Load config from the base directory, or use defaults if not found.
	loadedConfig, err := config.Load(base)
	if err != nil {
		return fmt.Errorf("failed to load configuration from base: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(flagparse.Backup, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(config.ValidationOptions{
		CheckSource:       true,
		CheckSourceExists: true,
	}); err != nil {
		return err
	}

	applyLogSettings(runConfig)

	// Log the Summary
	runConfig.LogSummary(flagparse.Backup, runConfig.Base, runConfig.Source, "")

	// Create the runner and feed it with our leaf workers
	runner := newRunner(runConfig)

	// Get the Plan
	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}

	// Execute the plan
	startTime := time.Now()
	summary, err := runner.ExecuteBackup(ctx, backupPlan)
	duration := time.Since(startTime).Round(time.Millisecond)

	// The base volume is released even after a failed or canceled run: a
	// removable disk must not stay pinned because the snapshot broke.
	if runConfig.Runtime.Unmount && !runConfig.Runtime.DryRun {
		if unmountErr := device.Unmount(runConfig.Base); unmountErr != nil {
			plog.Warn("Could not unmount the base volume", "base", runConfig.Base, "error", unmountErr)
		}
	}

	if err != nil {
		return err // The error will be logged with full details by main()
	}
	if summary == nil {
		return nil // Skipped run; the engine already said why.
	}
	plog.Info(buildinfo.Name+" finished successfully.",
		"kind", summary.Kind,
		"archived", summary.Selected,
		"tombstones", summary.Deleted,
		"duration", duration)
	return nil
}

// newRunner assembles the engine from the leaf workers, sized by the
// effective performance configuration.
func newRunner(runConfig config.Config) *engine.Runner {
	perf := runConfig.Engine.Performance
	return engine.NewRunner(
		preflight.NewValidator(),
		pathwalk.NewWalker(
			perf.WalkWorkers,
			pool.NewFixedBuffer(int64(perf.CopyBufferKiB)*1024),
		),
		patharchive.NewArchiver(
			perf.CopyBufferKiB,
			perf.LargeFileThresholdMiB,
			perf.ReadAheadMemoryMiB,
		),
		pathrestore.NewRestorer(
			perf.CopyBufferKiB,
		),
		pathretention.NewPathRetainer(
			perf.PruneWorkers,
		),
	)
}

// applyLogSettings maps the effective config onto the global logger. A
// dry run lowers the level to NOTICE so its per-item preview lines are
// visible; that is the whole point of a dry run.
func applyLogSettings(runConfig config.Config) {
	plog.SetQuiet(runConfig.Runtime.Quiet)
	level := plog.LevelFromString(runConfig.LogLevel)
	if runConfig.Runtime.DryRun && level > plog.LevelNotice {
		level = plog.LevelNotice
	}
	plog.SetLevel(level)
}
