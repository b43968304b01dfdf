// Package config holds the destination-scoped configuration. The config
// file lives in the base directory next to the chain, so every
// destination carries its own policy and a run only needs the base path
// to find everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-snapshot/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapshot/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapshot/pkg/lockfile"
	"github.com/paulschiretz/pgl-snapshot/pkg/metafile"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// ConfigFileName is the name of the configuration file in the base directory.
const ConfigFileName = ".pgl-snapshot.config.json"

// Interval modes for the full snapshot cadence.
const (
	AutoInterval   = "auto"
	ManualInterval = "manual"
)

// systemExcludePatterns are always excluded from enumeration so the
// tool's own bookkeeping files can never enter a snapshot.
var systemExcludePatterns = []string{metafile.MetaFileName, lockfile.LockFileName, ConfigFileName}

// RuntimeConfig carries per-run switches. None of it is persisted.
type RuntimeConfig struct {
	// Mode selects the archive kind: 'auto', 'full' or 'incremental'.
	Mode string
	// Until is the restore cutoff timestamp in archive-name layout
	// (YYYYMMDD_HHMMSS, UTC). Empty restores everything.
	Until string
	// Target is the directory a restore materializes into.
	Target string
	// ListSort is the display order for chain listings: 'desc' or 'asc'.
	// Empty falls back to newest first.
	ListSort string
	DryRun   bool
	Quiet    bool
	Unmount  bool
}

type ArchiveConfig struct {
	// Prefix is the leading part of every archive name. Together with the
	// source root's base name it forms the chain stem.
	Prefix string `json:"prefix"`
	// Format selects the container: 'tar.gz' or 'tar.zst'.
	Format string `json:"format"`
	// Level is the compression level: 'default', 'fastest', 'better', 'best'.
	Level string `json:"level"`
	// IntervalMode determines how often auto mode promotes a run to a
	// full snapshot: 'auto' uses the built-in weekly cadence, 'manual'
	// uses FullEveryDays.
	IntervalMode string `json:"intervalMode"`
	// FullEveryDays is the manual-mode cadence in days. 0 disables
	// interval promotion entirely; only a chain without a full then
	// forces one.
	FullEveryDays int `json:"fullEveryDays"`
}

type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// KeepFull is how many of the newest full archives survive a prune,
	// together with every incremental at or after the oldest kept full.
	KeepFull int `json:"keepFull"`
}

type PerformanceConfig struct {
	WalkWorkers  int `json:"walkWorkers"`
	PruneWorkers int `json:"pruneWorkers"`
	// CopyBufferKiB is the I/O buffer size used for hashing, archive
	// writes and restore extraction. Keep it between 64KiB and 4MiB.
	CopyBufferKiB         int `json:"copyBufferKiB"`
	LargeFileThresholdMiB int `json:"largeFileThresholdMiB"`
	ReadAheadMemoryMiB    int `json:"readAheadMemoryMiB"`
}

type EngineConfig struct {
	Metrics     bool              `json:"metrics"`
	FailFast    bool              `json:"failFast"`
	Performance PerformanceConfig `json:"performance"`
}

type ExcludeConfig struct {
	// Note: omitempty is intentionally not used so the field shows up in
	// a generated config file for discoverability.
	Patterns []string `json:"patterns"`
}

type HooksConfig struct {
	Enabled bool `json:"enabled"`
	// PreBackup and PostBackup are shell commands executed around a backup run.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreBackup  []string `json:"preBackup"`
	PostBackup []string `json:"postBackup"`
}

type Config struct {
	Version string `json:"version"`
	Source  string `json:"source"`
	// Base is the directory the config was loaded from. Never persisted:
	// a base directory that moves must keep working.
	Base    string        `json:"-"`
	Runtime RuntimeConfig `json:"-"`
	// Detection picks the incremental change-detection strategy:
	// 'thorough' (content fingerprints) or 'fast' (size + mtime only).
	Detection string          `json:"detection"`
	LogLevel  string          `json:"logLevel"`
	Archive   ArchiveConfig   `json:"archive"`
	Retention RetentionConfig `json:"retention"`
	Engine    EngineConfig    `json:"engine"`
	Exclude   ExcludeConfig   `json:"exclude"`
	Hooks     HooksConfig     `json:"hooks"`
}

// ValidationOptions selects which strict checks Validate performs. List
// and prune runs do not need a source at all; backup needs one that
// exists; init accepts a source that will exist later.
type ValidationOptions struct {
	CheckSource       bool
	CheckSourceExists bool
}

// NewDefault returns a Config with documented defaults.
func NewDefault() Config {
	return Config{
		Version:   buildinfo.Version,
		Source:    "", // Intentionally empty to force user configuration.
		Base:      "",
		Detection: "thorough", // Content fingerprints; 'fast' trades accuracy for speed.
		LogLevel:  "info",
		Runtime: RuntimeConfig{
			Mode:   "auto", // Full when the chain or the interval says so, incremental otherwise.
			DryRun: false,
		},
		Archive: ArchiveConfig{
			Prefix:        "pgl-snapshot",
			Format:        "tar.gz", // pgzip parallel gzip; 'tar.zst' for better ratios.
			Level:         "default",
			IntervalMode:  AutoInterval, // Weekly full cadence.
			FullEveryDays: 7,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			KeepFull: 4, // Keep the last 4 full archives plus their incrementals.
		},
		Engine: EngineConfig{
			FailFast: false,
			Metrics:  true,
			Performance: PerformanceConfig{
				WalkWorkers:           8, // Subtree enumeration parallelism.
				PruneWorkers:          4,
				CopyBufferKiB:         64,
				LargeFileThresholdMiB: 10,  // Above this, entries always stream.
				ReadAheadMemoryMiB:    128, // Shared budget for whole-file read-ahead.
			},
		},
		Exclude: ExcludeConfig{
			Patterns: []string{},
		},
		Hooks: HooksConfig{
			Enabled:    true,
			PreBackup:  []string{},
			PostBackup: []string{},
		},
	}
}

// Load reads the config file from the base directory. A missing file is
// a normal case and yields the defaults; a file that exists but cannot
// be parsed is an error.
func Load(basePath string) (Config, error) {

	absBasePath, err := filepath.Abs(basePath)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for load directory %s: %w", basePath, err)
	}

	configPath := filepath.Join(absBasePath, ConfigFileName)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.Base = absBasePath
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start from defaults, then overlay the file's content, so a config
	// written by an older version that lacks newer fields still loads.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	config.Base = absBasePath

	// A config migrated from an older version reports the current one.
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate writes the config file into the config's base directory.
func Generate(configToGenerate Config) error {
	configPath := filepath.Join(configToGenerate.Base, ConfigFileName)
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	if err := util.WriteFileAtomic(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and normalizes
// the source and base paths.
func (c *Config) Validate(opts ValidationOptions) error {
	if opts.CheckSource && c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Base == "" {
		return fmt.Errorf("base path cannot be empty")
	}

	var err error

	if c.Source != "" {
		c.Source, err = util.ExpandedDenormalizedAbsPath(c.Source)
		if err != nil {
			return fmt.Errorf("could not expand source path: %w", err)
		}

		if opts.CheckSource && opts.CheckSourceExists {
			if _, err := os.Stat(c.Source); os.IsNotExist(err) {
				return fmt.Errorf("source path '%s' does not exist", c.Source)
			}
		}
	}

	c.Base, err = util.ExpandedDenormalizedAbsPath(c.Base)
	if err != nil {
		return fmt.Errorf("could not expand base path: %w", err)
	}

	switch c.Runtime.Mode {
	case "auto", "full", "incremental":
	default:
		return fmt.Errorf("invalid mode: %q. Must be 'auto', 'full' or 'incremental'", c.Runtime.Mode)
	}

	switch c.Detection {
	case "thorough", "fast":
	default:
		return fmt.Errorf("invalid detection: %q. Must be 'thorough' or 'fast'", c.Detection)
	}

	switch c.Archive.Format {
	case "tar.gz", "tar.zst":
	default:
		return fmt.Errorf("invalid archive format: %q. Must be 'tar.gz' or 'tar.zst'", c.Archive.Format)
	}

	switch c.Archive.Level {
	case "", "default", "fastest", "better", "best":
	default:
		return fmt.Errorf("invalid compression level: %q. Must be 'default', 'fastest', 'better', or 'best'", c.Archive.Level)
	}

	switch c.Archive.IntervalMode {
	case AutoInterval, ManualInterval:
	default:
		return fmt.Errorf("invalid archive interval mode: %q. Must be 'auto' or 'manual'", c.Archive.IntervalMode)
	}

	if c.Archive.IntervalMode == ManualInterval && c.Archive.FullEveryDays < 0 {
		return fmt.Errorf("archive.fullEveryDays cannot be negative when intervalMode is 'manual'")
	}

	if c.Archive.Prefix == "" {
		return fmt.Errorf("archive.prefix cannot be empty")
	}
	// The prefix becomes part of a filename the chain regexp must parse back.
	if strings.ContainsAny(c.Archive.Prefix, `\/`) {
		return fmt.Errorf("archive.prefix cannot contain path separators ('/' or '\\')")
	}

	if c.Retention.KeepFull < 0 {
		return fmt.Errorf("retention.keepFull cannot be negative")
	}

	if c.Engine.Performance.WalkWorkers < 1 {
		return fmt.Errorf("engine.performance.walkWorkers must be at least 1")
	}
	if c.Engine.Performance.PruneWorkers < 1 {
		return fmt.Errorf("engine.performance.pruneWorkers must be at least 1")
	}
	if c.Engine.Performance.CopyBufferKiB <= 0 {
		return fmt.Errorf("engine.performance.copyBufferKiB must be greater than 0")
	}
	if c.Engine.Performance.LargeFileThresholdMiB <= 0 {
		return fmt.Errorf("engine.performance.largeFileThresholdMiB must be greater than 0")
	}
	if c.Engine.Performance.ReadAheadMemoryMiB < 0 {
		return fmt.Errorf("engine.performance.readAheadMemoryMiB cannot be negative")
	}

	if err := validateGlobPatterns("exclude.patterns", c.Exclude.Patterns); err != nil {
		return err
	}
	return nil
}

// LogSummary prints a one-line summary of the effective run configuration.
// Only fields relevant to the given command are included.
func (c *Config) LogSummary(command flagparse.Command, absBasePath, absSourcePath, absTargetPath string) {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"base", absBasePath,
	}

	switch command {
	case flagparse.Backup:
		logArgs = append(logArgs,
			"source", absSourcePath,
			"mode", c.Runtime.Mode,
			"detection", c.Detection,
			"dry_run", c.Runtime.DryRun,
			"format", c.Archive.Format,
			"level", c.Archive.Level,
			"walk_workers", c.Engine.Performance.WalkWorkers,
			"copy_buffer_kib", c.Engine.Performance.CopyBufferKiB,
			"metrics", c.Engine.Metrics,
			"fail_fast", c.Engine.FailFast,
		)
		if c.Runtime.Unmount {
			logArgs = append(logArgs, "unmount", true)
		}
		if c.Hooks.Enabled && (len(c.Hooks.PreBackup) > 0 || len(c.Hooks.PostBackup) > 0) {
			logArgs = append(logArgs, "hooks", fmt.Sprintf("enabled (pre:%d post:%d)", len(c.Hooks.PreBackup), len(c.Hooks.PostBackup)))
		}
		if patterns := c.ExcludePatterns(); len(patterns) > 0 {
			logArgs = append(logArgs, "exclude", strings.Join(patterns, ", "))
		}

	case flagparse.Restore:
		logArgs = append(logArgs,
			"target", absTargetPath,
			"metrics", c.Engine.Metrics,
		)
		if c.Runtime.Until != "" {
			logArgs = append(logArgs, "until", c.Runtime.Until)
		}

	case flagparse.Prune:
		retentionSummary := "disabled"
		if c.Retention.Enabled {
			retentionSummary = fmt.Sprintf("enabled (keep_full:%d)", c.Retention.KeepFull)
		}
		logArgs = append(logArgs,
			"retention", retentionSummary,
			"dry_run", c.Runtime.DryRun,
			"prune_workers", c.Engine.Performance.PruneWorkers,
		)

	case flagparse.Init:
		logArgs = append(logArgs,
			"source", absSourcePath,
			"dry_run", c.Runtime.DryRun,
		)
	}

	plog.Info("Configuration loaded", logArgs...)
}

// ExcludePatterns returns the merged, deduplicated exclusion patterns:
// the non-overridable system patterns plus the user-configured ones. The
// source root's ignore file is merged later by the planner.
func (c *Config) ExcludePatterns() []string {
	return util.MergeAndDeduplicate(systemExcludePatterns, c.Exclude.Patterns)
}

// validateGlobPatterns checks if a list of strings are valid glob patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid glob pattern for %s: %q - %w", fieldName, pattern, err)
		}
	}
	return nil
}

// MergeConfigWithFlags overlays explicitly set command-line flags on top
// of a base configuration. setFlags only contains flags the user actually
// provided, so config-file values survive untouched defaults.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "base":
			merged.Base = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "quiet":
			merged.Runtime.Quiet = value.(bool)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "fail-fast":
			merged.Engine.FailFast = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "detection":
			merged.Detection = value.(string)
		case "mode":
			switch command {
			case flagparse.Backup:
				merged.Runtime.Mode = value.(string)
			default:
			}
		case "until":
			switch command {
			case flagparse.Restore:
				merged.Runtime.Until = value.(string)
			default:
			}
		case "target":
			switch command {
			case flagparse.Restore:
				merged.Runtime.Target = value.(string)
			default:
			}
		case "sort":
			switch command {
			case flagparse.List:
				merged.Runtime.ListSort = value.(string)
			default:
			}
		case "unmount":
			merged.Runtime.Unmount = value.(bool)
		case "prefix":
			merged.Archive.Prefix = value.(string)
		case "format":
			merged.Archive.Format = value.(string)
		case "level":
			merged.Archive.Level = value.(string)
		case "interval-mode":
			merged.Archive.IntervalMode = value.(string)
		case "full-every-days":
			merged.Archive.FullEveryDays = value.(int)
		case "retention":
			merged.Retention.Enabled = value.(bool)
		case "keep-full":
			merged.Retention.KeepFull = value.(int)
		case "walk-workers":
			merged.Engine.Performance.WalkWorkers = value.(int)
		case "prune-workers":
			merged.Engine.Performance.PruneWorkers = value.(int)
		case "copy-buffer-kib":
			merged.Engine.Performance.CopyBufferKiB = value.(int)
		case "large-file-threshold-mib":
			merged.Engine.Performance.LargeFileThresholdMiB = value.(int)
		case "read-ahead-memory-mib":
			merged.Engine.Performance.ReadAheadMemoryMiB = value.(int)
		case "exclude":
			merged.Exclude.Patterns = value.([]string)
		case "hooks":
			merged.Hooks.Enabled = value.(bool)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "force", "default":
			// Consumed by the cmd layer directly.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
