package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-snapshot/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool
	Quiet    *bool
	Metrics  *bool

	// Shared: Backup / Init
	Source    *string
	Base      *string
	Mode      *string
	Detection *string
	FailFast  *bool
	Unmount   *bool

	Prefix        *string
	Format        *string
	Level         *string
	IntervalMode  *string
	FullEveryDays *int

	Retention *bool
	KeepFull  *int

	WalkWorkers           *int
	PruneWorkers          *int
	CopyBufferKiB         *int
	LargeFileThresholdMiB *int
	ReadAheadMemoryMiB    *int

	Exclude         *string
	Hooks           *bool
	PreBackupHooks  *string
	PostBackupHooks *string

	// Restore specific
	Target *string
	Until  *string

	// List specific
	Sort *string

	// Init / Prune / Restore specific
	Force          *bool
	Default        *bool
	IgnoreTemplate *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.Quiet = fs.Bool("quiet", false, "Suppress per-file output; only warnings, errors and the final summary are printed.")
	f.Metrics = fs.Bool("metrics", true, "Enable detailed performance and file-counting metrics.")
}

// registerPolicyFlags registers the backup policy flags shared by 'backup' and 'init'.
func registerPolicyFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Detection = fs.String("detection", "", "Change detection strategy: 'thorough' (mtime+content hash) or 'fast' (mtime only).")
	f.FailFast = fs.Bool("fail-fast", false, "Stop the backup immediately on the first file error.")

	f.Prefix = fs.String("prefix", "", "Archive name prefix.")
	f.Format = fs.String("format", "", "Archive format: 'tar.gz' or 'tar.zst'.")
	f.Level = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.IntervalMode = fs.String("interval-mode", "", "Full backup cadence: 'auto' or 'manual'.")
	f.FullEveryDays = fs.Int("full-every-days", 0, "In 'manual' cadence, days between full backups (0 disables promotion).")

	f.WalkWorkers = fs.Int("walk-workers", 0, "Number of worker goroutines for scanning the source tree.")
	f.CopyBufferKiB = fs.Int("copy-buffer-kib", 0, "Size of the I/O copy buffer in KiB.")
	f.LargeFileThresholdMiB = fs.Int("large-file-threshold-mib", 0, "Files larger than this (MiB) are streamed instead of read ahead.")
	f.ReadAheadMemoryMiB = fs.Int("read-ahead-memory-mib", 0, "Memory budget in MiB for archive read-ahead buffering (0 disables).")

	f.Exclude = fs.String("exclude", "", "Comma-separated list of glob patterns to exclude (matched against slash-relative paths).")
	f.Hooks = fs.Bool("hooks", true, "Enable pre/post backup hooks.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Base = fs.String("base", "", "Base destination directory holding the backup chain. (Required)")
	f.Source = fs.String("source", "", "Source directory to back up. (Required)")
	f.Mode = fs.String("mode", "auto", "Backup mode: 'auto', 'full' or 'incremental'.")
	f.Unmount = fs.Bool("unmount", false, "Unmount the base volume after a successful backup.")

	registerPolicyFlags(fs, f)
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init accepts the backup policy flags so the generated config reflects them,
	// plus 'force' and 'default'.
	f.Base = fs.String("base", "", "Base destination directory to initialize. (Required)")
	f.Source = fs.String("source", "", "Source directory to back up. (Required)")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Write a default configuration, ignoring any existing one.")
	f.IgnoreTemplate = fs.Bool("ignore-template", false, "Seed the source directory with a commented ignore-rule template.")

	f.Retention = fs.Bool("retention", true, "Enable the prune retention policy.")
	f.KeepFull = fs.Int("keep-full", 0, "Number of most recent full generations to keep when pruning.")
	f.PruneWorkers = fs.Int("prune-workers", 0, "Number of worker goroutines for deleting expired archives.")

	registerPolicyFlags(fs, f)
}

func registerRestoreFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Base = fs.String("base", "", "Base directory holding the backup chain. (Required)")
	f.Target = fs.String("target", "", "Directory to restore into. (Required)")
	f.Until = fs.String("until", "", "Restore state as of this archive timestamp (YYYYMMDD_HHMMSS). Defaults to the newest.")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Prefix = fs.String("prefix", "", "Archive name prefix.")
	f.CopyBufferKiB = fs.Int("copy-buffer-kib", 0, "Size of the I/O copy buffer in KiB.")
	f.Exclude = fs.String("exclude", "", "Comma-separated list of glob patterns to skip during restore.")
}

func registerListFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Base = fs.String("base", "", "Base directory holding the backup chain. (Required)")
	f.Prefix = fs.String("prefix", "", "Archive name prefix.")
	f.Sort = fs.String("sort", "desc", "List order: 'desc' (newest first) or 'asc' (oldest first).")
}

func registerPruneFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Base = fs.String("base", "", "Base directory holding the backup chain to prune. (Required)")
	f.Prefix = fs.String("prefix", "", "Archive name prefix.")
	f.Retention = fs.Bool("retention", true, "Enable the prune retention policy.")
	f.KeepFull = fs.Int("keep-full", 0, "Number of most recent full generations to keep.")
	f.PruneWorkers = fs.Int("prune-workers", 0, "Number of worker goroutines for deleting expired archives.")
	f.FailFast = fs.Bool("fail-fast", false, "Stop pruning immediately on the first deletion error.")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	switch command {
	case Backup:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerBackupFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Create a new snapshot of the source directory.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case Restore:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerRestoreFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Rebuild the source tree from the backup chain.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case List:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerListFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Show the archives in a backup chain.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case Prune:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerPruneFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Remove expired archive generations from a backup chain.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case Init:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerInitFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Initialize a backup base directory with a configuration file.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case Devices, Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "base", f.Base)
	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "target", f.Target)
	addIfUsed(flagMap, usedFlags, "mode", f.Mode)
	addIfUsed(flagMap, usedFlags, "detection", f.Detection)
	addIfUsed(flagMap, usedFlags, "until", f.Until)
	addIfUsed(flagMap, usedFlags, "sort", f.Sort)
	addIfUsed(flagMap, usedFlags, "fail-fast", f.FailFast)
	addIfUsed(flagMap, usedFlags, "unmount", f.Unmount)

	addIfUsed(flagMap, usedFlags, "prefix", f.Prefix)
	addIfUsed(flagMap, usedFlags, "format", f.Format)
	addIfUsed(flagMap, usedFlags, "level", f.Level)
	addIfUsed(flagMap, usedFlags, "interval-mode", f.IntervalMode)
	addIfUsed(flagMap, usedFlags, "full-every-days", f.FullEveryDays)

	addIfUsed(flagMap, usedFlags, "retention", f.Retention)
	addIfUsed(flagMap, usedFlags, "keep-full", f.KeepFull)

	addIfUsed(flagMap, usedFlags, "walk-workers", f.WalkWorkers)
	addIfUsed(flagMap, usedFlags, "prune-workers", f.PruneWorkers)
	addIfUsed(flagMap, usedFlags, "copy-buffer-kib", f.CopyBufferKiB)
	addIfUsed(flagMap, usedFlags, "large-file-threshold-mib", f.LargeFileThresholdMiB)
	addIfUsed(flagMap, usedFlags, "read-ahead-memory-mib", f.ReadAheadMemoryMiB)

	addIfUsed(flagMap, usedFlags, "hooks", f.Hooks)
	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)
	addIfUsed(flagMap, usedFlags, "ignore-template", f.IgnoreTemplate)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "exclude", f.Exclude, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Change-aware directory backups as a chain of timestamped archives.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Create a new snapshot of the source directory\n")
	fmt.Fprintf(fs.Output(), "  restore     Rebuild the source tree from the backup chain\n")
	fmt.Fprintf(fs.Output(), "  list        Show the archives in a backup chain\n")
	fmt.Fprintf(fs.Output(), "  prune       Remove expired archive generations\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a base directory with a configuration file\n")
	fmt.Fprintf(fs.Output(), "  devices     List mounted volumes that can hold a backup base\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Change-aware directory backups as a chain of timestamped archives.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseExcludeList parses a comma-separated list of glob patterns.
// It removes quotes, as they are only used for grouping items with spaces.
// It treats backslashes as literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
