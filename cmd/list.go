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

// RunList handles the logic for the list command. Listing is read-only:
// it takes no lock, so it works while a backup runs and shows whatever
// members the chain has finished so far.
func RunList(ctx context.Context, flagMap map[string]any) error {
	// Define mandatory flags
	base, ok := flagMap["base"].(string)
	if !ok || base == "" {
		return fmt.Errorf("the -base flag is required to run list")
	}

	// Validate Base path
	absBasePath, err := util.ExpandedDenormalizedAbsPath(base)
	if err != nil {
		return fmt.Errorf("base path invalid: %w", err)
	}

	// Unlike backup, list never bootstraps a missing base directory.
	if _, err := os.Stat(absBasePath); os.IsNotExist(err) {
		return fmt.Errorf("base path '%s' does not exist", absBasePath)
	}

	// Load config from the base directory.
	loadedConfig, err := config.Load(absBasePath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from base: %w", err)
	}

	// Merge the flag values over the loaded config.
	runConfig := config.MergeConfigWithFlags(flagparse.List, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(config.ValidationOptions{}); err != nil {
		return err
	}

	applyLogSettings(runConfig)

	// Log the Summary
	runConfig.LogSummary(flagparse.List, runConfig.Base, "", "")

	runner := newRunner(runConfig)

	// Get the Plan
	listPlan, err := planner.GenerateListPlan(runConfig)
	if err != nil {
		return err
	}

	// Execute the plan
	startTime := time.Now()
	err = runner.ExecuteList(ctx, listPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" list finished successfully.", "duration", duration)
	return nil
}
