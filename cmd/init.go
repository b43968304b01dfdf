package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapshot/pkg/config"
	"github.com/paulschiretz/pgl-snapshot/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapshot/pkg/ignore"
	"github.com/paulschiretz/pgl-snapshot/pkg/lockfile"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/preflight"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	// For init, the base flag is mandatory to know where to look/write.
	base, ok := flagMap["base"].(string)
	if !ok || base == "" {
		return fmt.Errorf("the -base flag is required for the init operation")
	}

	// Build absolute base path
	absBasePath, err := util.ExpandedDenormalizedAbsPath(base)
	if err != nil {
		return fmt.Errorf("base path invalid: %w", err)
	}

	var baseConfig config.Config

	// Check if init-default is set
	initDefault := false
	if v, ok := flagMap["default"]; ok {
		initDefault = v.(bool)
	}

	if initDefault {
		// Check for force flag to bypass confirmation
		force := false
		if f, ok := flagMap["force"]; ok {
			force = f.(bool)
		}

		if !force {
			absConfigFilePath := filepath.Join(absBasePath, config.ConfigFileName)
			if _, err := os.Stat(absConfigFilePath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigFilePath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
		baseConfig.Base = absBasePath
	} else {
		// Try to load the existing config to preserve settings.
		// Note: config.Load returns the defaults if the file doesn't exist.
		var err error
		baseConfig, err = config.Load(absBasePath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
			baseConfig.Base = absBasePath
		}
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	// Ensure source is set (either from existing config or flags).
	if runConfig.Source == "" {
		return fmt.Errorf("the -source flag is required for the init operation (unless updating an existing config)")
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(config.ValidationOptions{
		CheckSource:       true,
		CheckSourceExists: true,
	}); err != nil {
		return err
	}

	applyLogSettings(runConfig)

	// Log the Summary
	runConfig.LogSummary(flagparse.Init, runConfig.Base, runConfig.Source, "")

	startTime := time.Now()

	// 1. Preflight Checks
	// Ensure the base directory exists (or can be created) and is writable.
	validator := preflight.NewValidator()
	pfPlan := &preflight.Plan{
		SourceAccessible:   true,
		TargetAccessible:   true,
		TargetWriteable:    true,
		EnsureTargetExists: true,
		PathNesting:        true,
		DryRun:             runConfig.Runtime.DryRun,
	}

	// The base directory is the write side of an init run.
	if err := validator.Run(ctx, runConfig.Source, runConfig.Base, pfPlan, time.Now().UTC()); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Initialization complete. No changes made.")
		return nil
	}

	// 2. Acquire Lock
	// Ensure exclusive access to the base directory.
	appID := fmt.Sprintf("pgl-snapshot-init:%s", runConfig.Base)
	lock, err := lockfile.Acquire(ctx, runConfig.Base, appID)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on base directory: %w", err)
	}
	defer lock.Release()

	// 3. Generate Config
	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	// 4. Optionally seed the source with an ignore-rule template.
	if t, ok := flagMap["ignore-template"].(bool); ok && t {
		if err := writeIgnoreTemplate(runConfig.Source); err != nil {
			return fmt.Errorf("failed to write ignore template: %w", err)
		}
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" base directory successfully initialized.", "duration", duration)
	return nil
}

// ignoreTemplate ships fully commented out: a freshly seeded rule file
// excludes nothing until the user uncomments or adds rules.
const ignoreTemplate = `# Ignore rules, one glob per line.
# '*' matches any run of characters (including '/'), '?' exactly one.
# A rule also excludes everything beneath '<rule>/'.
#
# .cache
# *.tmp
# node_modules
`

// writeIgnoreTemplate creates the per-source rule file. An existing file
// is never touched; users edit it in place.
func writeIgnoreTemplate(sourceDir string) error {
	absPath := filepath.Join(sourceDir, ignore.IgnoreFileName)
	if _, err := os.Stat(absPath); err == nil {
		plog.Info("Ignore rule file already exists, leaving it untouched.", "path", absPath)
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := util.WriteFileAtomic(absPath, []byte(ignoreTemplate), util.UserWritableFilePerms); err != nil {
		return err
	}
	plog.Info("Ignore rule template written.", "path", absPath)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
