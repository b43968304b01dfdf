package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapshot/pkg/config"
	"github.com/paulschiretz/pgl-snapshot/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapshot/pkg/hints"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/planner"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// RunRestore handles the logic for the restore command.
func RunRestore(ctx context.Context, flagMap map[string]interface{}) error {

	// Define mandatory flags
	base, ok := flagMap["base"].(string)
	if !ok || base == "" {
		return fmt.Errorf("the -base flag is required to run a restore")
	}
	target, ok := flagMap["target"].(string)
	if !ok || target == "" {
		return fmt.Errorf("the -target flag is required to run a restore")
	}

	// Validate Base
	absBasePath, err := util.ExpandedDenormalizedAbsPath(base)
	if err != nil {
		return fmt.Errorf("base path invalid: %w", err)
	}
	// NOTE: Base needs to exist, for a Restore run
	if _, err := os.Stat(absBasePath); os.IsNotExist(err) {
		return fmt.Errorf("base path '%s' does not exist", absBasePath)
	}

	// Load config from the base directory.
	loadedConfig, err := config.Load(absBasePath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from base: %w", err)
	}

	// Merge the flag values over the loaded config.
	runConfig := config.MergeConfigWithFlags(flagparse.Restore, loadedConfig, flagMap)

	// Validate Target
	// NOTE: Target will be created if it doesn't exist, for a Restore run
	runConfig.Runtime.Target, err = util.ExpandedDenormalizedAbsPath(runConfig.Runtime.Target)
	if err != nil {
		return fmt.Errorf("target path invalid: %w", err)
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(config.ValidationOptions{}); err != nil {
		return err
	}

	applyLogSettings(runConfig)

	// Log the Summary
	runConfig.LogSummary(flagparse.Restore, runConfig.Base, "", runConfig.Runtime.Target)

	// Create the runner and feed it with our leaf workers
	runner := newRunner(runConfig)

	// Check for force flag to bypass confirmation
	force := false
	if f, ok := flagMap["force"]; ok {
		force = f.(bool)
	}

	// Without an explicit cutoff the user picks the restore point
	// interactively; forced and dry runs replay the whole chain.
	if runConfig.Runtime.Until == "" && !force && !runConfig.Runtime.DryRun {
		listPlan, err := planner.GenerateListPlan(runConfig)
		if err != nil {
			return fmt.Errorf("failed to generate list plan for snapshot selection: %w", err)
		}
		// Newest first, so option 1 is always the most recent state.
		listPlan.SortOrder = planner.Desc

		chain, err := runner.ListChain(ctx, listPlan)
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		if len(chain) == 0 {
			plog.Info(buildinfo.Name + " found no snapshots to restore.")
			return nil
		}

		selected, err := PromptRestorePoint(chain)
		if err != nil {
			if hints.IsHint(err) {
				plog.Info(buildinfo.Name + " restore canceled by user.")
				return nil
			}
			return err
		}
		runConfig.Runtime.Until = selected.TimestampUTC.Format(patharchive.ArchiveTimeLayout)
	}

	// Get the Plan
	restorePlan, err := planner.GenerateRestorePlan(runConfig)
	if err != nil {
		return err
	}

	// Execute the plan
	startTime := time.Now()
	summary, err := runner.ExecuteRestore(ctx, restorePlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	if summary == nil {
		return nil // Skipped or previewed; the engine already said why.
	}
	plog.Info(buildinfo.Name+" restore finished successfully.",
		"restored", summary.FilesRestored,
		"duration", duration)
	return nil
}

// PromptRestorePoint asks the user which snapshot to restore to. The
// chain must be sorted newest first. Everything up to and including the
// chosen snapshot is replayed.
func PromptRestorePoint(chain []patharchive.Member) (patharchive.Member, error) {

	// Output the snapshot selection table
	totalNumOptions := len(chain) + 1
	optionNumColWidth := len(strconv.Itoa(totalNumOptions))

	timestampLayout := "Mon, 02 Jan 2006 15:04:05"
	timestampColWidth := len(timestampLayout)
	timestampHeaderTitle := fmt.Sprintf("Timestamp (%s)", time.Now().Local().Format("MST"))
	// Ensure column is wide enough for both the data and the header
	if len(timestampHeaderTitle) > timestampColWidth {
		timestampColWidth = len(timestampHeaderTitle)
	}

	fmt.Print("Please select the snapshot to restore to:\n\n")
	fmt.Printf("  %*s %-*s %-6s %10s %s\n", optionNumColWidth+1, "#)", timestampColWidth, timestampHeaderTitle, "Kind", "Size", "Archive")
	for i, member := range chain {
		kind := "[INC]"
		if member.Kind == patharchive.Full {
			kind = "[FULL]"
		}
		fmt.Printf("  %*d) %-*s %-6s %10s %s\n",
			optionNumColWidth, i+1,
			timestampColWidth, member.TimestampUTC.Local().Format(timestampLayout),
			kind, util.ByteCountIEC(member.Size), member.Name)
	}
	fmt.Printf("  %*d) Cancel and exit %s (or type 'q').\n", optionNumColWidth, totalNumOptions, buildinfo.Name)

	var selection int
	for {
		fmt.Printf("\nSelect a snapshot (1-%d) [%d]: ", totalNumOptions, totalNumOptions)
		var input string
		_, err := fmt.Scanln(&input)
		if err != nil {
			if err.Error() == "unexpected newline" {
				selection = totalNumOptions
				break
			}
			return patharchive.Member{}, fmt.Errorf("failed to read input: %w", err)
		}

		inputLower := strings.ToLower(strings.TrimSpace(input))
		if inputLower == "q" || inputLower == "quit" {
			return patharchive.Member{}, hints.New("restore canceled by user")
		}

		selection, err = strconv.Atoi(input)
		if err != nil || selection < 1 || selection > totalNumOptions {
			fmt.Printf("Invalid selection. Please enter a number between 1 and %d, or 'q' to quit.\n", totalNumOptions)
			continue
		}
		break
	}

	if selection == totalNumOptions {
		return patharchive.Member{}, hints.New("restore canceled by user")
	}
	return chain[selection-1], nil
}
