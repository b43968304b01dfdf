package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapshot/pkg/config"
	"github.com/paulschiretz/pgl-snapshot/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapshot/pkg/planner"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// RunPrune handles the logic for the prune command.
func RunPrune(ctx context.Context, flagMap map[string]interface{}) error {
	// Define mandatory flags
	base, ok := flagMap["base"].(string)
	if !ok || base == "" {
		return fmt.Errorf("the -base flag is required to run prune")
	}

	// Validate Base
	absBasePath, err := util.ExpandedDenormalizedAbsPath(base)
	if err != nil {
		return fmt.Errorf("base path invalid: %w", err)
	}

	// NOTE: Base needs to exist, for a Prune run
	if _, err := os.Stat(absBasePath); os.IsNotExist(err) {
		return fmt.Errorf("base path '%s' does not exist", absBasePath)
	}

	// Load config from the base directory.
	loadedConfig, err := config.Load(absBasePath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from base: %w", err)
	}

	// Merge the flag values over the loaded config.
	runConfig := config.MergeConfigWithFlags(flagparse.Prune, loadedConfig, flagMap)

	// The chain stem derives from the configured source, so prune needs
	// one, but it does not have to exist anymore.
	if runConfig.Source == "" {
		return fmt.Errorf("no source configured for this base directory; run init first or check %s", config.ConfigFileName)
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(config.ValidationOptions{
		CheckSource:       true,
		CheckSourceExists: false,
	}); err != nil {
		return err
	}

	applyLogSettings(runConfig)

	// Log the Summary
	runConfig.LogSummary(flagparse.Prune, runConfig.Base, "", "")

	if !runConfig.Retention.Enabled || runConfig.Retention.KeepFull <= 0 {
		plog.Info(buildinfo.Name + " retention is disabled for this base directory, nothing to prune.")
		return nil
	}

	// Check for force flag to bypass confirmation
	force := false
	if f, ok := flagMap["force"]; ok {
		force = f.(bool)
	}

	if !runConfig.Runtime.DryRun && !force {
		fmt.Printf("This operation permanently deletes expired snapshots based on the configured retention policy:\n")
		fmt.Printf("  Keep the newest %d full snapshots, each with its incrementals.\n", runConfig.Retention.KeepFull)

		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " prune operation canceled.")
			return nil
		}
	}

	// Create the runner and feed it with our leaf workers
	runner := newRunner(runConfig)

	// Get the Plan
	prunePlan, err := planner.GeneratePrunePlan(runConfig)
	if err != nil {
		return err
	}

	// Execute the plan
	startTime := time.Now()
	err = runner.ExecutePrune(ctx, prunePlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" prune finished successfully.", "duration", duration)
	return nil
}
