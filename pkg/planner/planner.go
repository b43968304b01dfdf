// Package planner turns a validated configuration into the per-phase
// plans the engine executes. Planning is the only place config strings
// become typed values, so the engine never parses anything.
package planner

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/config"
	"github.com/paulschiretz/pgl-snapshot/pkg/hook"
	"github.com/paulschiretz/pgl-snapshot/pkg/ignore"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathdiff"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathrestore"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathretention"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathwalk"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/preflight"
)

// defaultFullEveryDays is the promotion cadence the auto interval mode
// applies: one full snapshot per calendar week.
const defaultFullEveryDays = 7

// cadenceLocation anchors cadence buckets to the local calendar day.
// Tests override it for deterministic boundaries.
var cadenceLocation = time.Local

type BackupPlan struct {
	Mode     Mode
	DryRun   bool
	FailFast bool
	Metrics  bool

	AbsSourcePath string
	AbsBasePath   string
	RootName      string

	// FullEveryDays is the auto-mode promotion cadence in days. 0 means
	// only a chain without a full snapshot forces one.
	FullEveryDays int

	Preflight *preflight.Plan
	Walk      *pathwalk.Plan
	Diff      *pathdiff.Plan
	Archive   *patharchive.Plan
	Hooks     *hook.Plan
}

type RestorePlan struct {
	DryRun  bool
	Metrics bool

	AbsBasePath   string
	AbsTargetPath string

	// Until is the point-in-time cutoff; the zero value replays the
	// whole chain.
	Until time.Time

	Preflight *preflight.Plan
	Restore   *pathrestore.Plan
}

type PrunePlan struct {
	DryRun   bool
	FailFast bool
	Metrics  bool

	AbsBasePath string

	Preflight *preflight.Plan
	Retention *pathretention.Plan
}

type ListPlan struct {
	Metrics bool

	AbsBasePath string
	// Stem filters the listing to one chain; empty shows every archive
	// in the base directory.
	Stem      string
	SortOrder SortOrder
}

func GenerateBackupPlan(cfg config.Config) (*BackupPlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failFast := cfg.Engine.FailFast
	metrics := cfg.Engine.Metrics

	mode, err := ParseMode(cfg.Runtime.Mode)
	if err != nil {
		return nil, err
	}

	detection, err := pathdiff.ParseDetection(cfg.Detection)
	if err != nil {
		return nil, err
	}

	format, err := patharchive.ParseFormat(cfg.Archive.Format)
	if err != nil {
		return nil, err
	}

	level, err := patharchive.ParseLevel(cfg.Archive.Level)
	if err != nil {
		return nil, err
	}

	rootName, err := chainRootName(cfg.Source)
	if err != nil {
		return nil, err
	}

	fullEveryDays, err := resolveFullCadence(cfg.Archive.IntervalMode, cfg.Archive.FullEveryDays)
	if err != nil {
		return nil, err
	}

	// The source root's ignore file and the configured patterns compile
	// into one rule set shared by enumeration and change detection.
	rules, err := ignore.LoadWith(filepath.Join(cfg.Source, ignore.IgnoreFileName), cfg.ExcludePatterns())
	if err != nil {
		return nil, err
	}

	// finish the plan
	return &BackupPlan{
		Mode:     mode,
		DryRun:   dryRun,
		Metrics:  metrics,
		FailFast: failFast,

		AbsSourcePath: cfg.Source,
		AbsBasePath:   cfg.Base,
		RootName:      rootName,
		FullEveryDays: fullEveryDays,

		Preflight: &preflight.Plan{
			SourceAccessible:   true,
			TargetAccessible:   true,
			TargetWriteable:    true,
			CaseMismatch:       true,
			PathNesting:        true,
			EnsureTargetExists: true,
			// Global Flags
			DryRun:   dryRun,
			FailFast: failFast,
			Metrics:  metrics,
		},
		Walk: &pathwalk.Plan{
			AbsSourcePath: cfg.Source,
			Rules:         rules,
			Fingerprint:   detection == pathdiff.Thorough,
			// Global Flags
			FailFast: failFast,
			Metrics:  metrics,
		},
		Diff: &pathdiff.Plan{
			// Full is bound by the engine once ResolveKind has seen the chain.
			Detection: detection,
			Rules:     rules,
		},
		Archive: &patharchive.Plan{
			AbsBasePath: cfg.Base,
			Prefix:      cfg.Archive.Prefix,
			RootName:    rootName,
			Format:      format,
			Level:       level,
			// Kind, TimestampUTC and Store are bound by the engine at run time.
			// Global Flags
			DryRun:   dryRun,
			FailFast: failFast,
			Metrics:  metrics,
		},
		Hooks: &hook.Plan{
			Enabled:          cfg.Hooks.Enabled,
			PreHookCommands:  cfg.Hooks.PreBackup,
			PostHookCommands: cfg.Hooks.PostBackup,
			// Global Flags
			DryRun:   dryRun,
			FailFast: failFast,
			Metrics:  metrics,
		},
	}, nil
}

func GenerateRestorePlan(cfg config.Config) (*RestorePlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	metrics := cfg.Engine.Metrics

	var until time.Time
	if cfg.Runtime.Until != "" {
		ts, err := time.ParseInLocation(patharchive.ArchiveTimeLayout, cfg.Runtime.Until, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid until timestamp %q: expected the archive-name layout YYYYMMDD_HHMMSS", cfg.Runtime.Until)
		}
		until = ts
	}

	// Restore rules come from configuration only: the source tree (and
	// its ignore file) may no longer exist when a restore runs.
	rules := ignore.Compile(cfg.ExcludePatterns())

	// finish the plan
	return &RestorePlan{
		DryRun:  dryRun,
		Metrics: metrics,

		AbsBasePath:   cfg.Base,
		AbsTargetPath: cfg.Runtime.Target,
		Until:         until,

		Preflight: &preflight.Plan{
			// The base acts as the read side here.
			SourceAccessible:   true,
			TargetAccessible:   true,
			TargetWriteable:    true,
			PathNesting:        true,
			EnsureTargetExists: true,
			// Global Flags
			DryRun:  dryRun,
			Metrics: metrics,
		},
		Restore: &pathrestore.Plan{
			AbsBasePath:   cfg.Base,
			AbsTargetPath: cfg.Runtime.Target,
			Until:         until,
			Rules:         rules,
			// Global Flags
			Metrics: metrics,
		},
	}, nil
}

func GeneratePrunePlan(cfg config.Config) (*PrunePlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failFast := cfg.Engine.FailFast
	metrics := cfg.Engine.Metrics

	rootName, err := chainRootName(cfg.Source)
	if err != nil {
		return nil, err
	}

	keepFull := 0
	if cfg.Retention.Enabled {
		keepFull = cfg.Retention.KeepFull
	}

	// finish the plan
	return &PrunePlan{
		DryRun:   dryRun,
		Metrics:  metrics,
		FailFast: failFast,

		AbsBasePath: cfg.Base,

		Preflight: &preflight.Plan{
			TargetAccessible: true,
			TargetWriteable:  true,
			// Global Flags
			DryRun:   dryRun,
			FailFast: failFast,
			Metrics:  metrics,
		},
		Retention: &pathretention.Plan{
			AbsBasePath: cfg.Base,
			Prefix:      cfg.Archive.Prefix,
			RootName:    rootName,
			KeepFull:    keepFull,
			// Global Flags
			DryRun:   dryRun,
			FailFast: failFast,
			Metrics:  metrics,
		},
	}, nil
}

func GenerateListPlan(cfg config.Config) (*ListPlan, error) {

	sortOrder := Desc
	if cfg.Runtime.ListSort != "" {
		order, err := ParseSortOrder(cfg.Runtime.ListSort)
		if err != nil {
			return nil, err
		}
		sortOrder = order
	}

	// Without a configured source the listing cannot know the chain stem
	// and shows everything in the base directory instead.
	stem := ""
	if cfg.Source != "" {
		rootName, err := chainRootName(cfg.Source)
		if err != nil {
			return nil, err
		}
		stem = patharchive.Stem(cfg.Archive.Prefix, rootName)
	}

	// finish the plan
	return &ListPlan{
		Metrics:     cfg.Engine.Metrics,
		AbsBasePath: cfg.Base,
		Stem:        stem,
		SortOrder:   sortOrder,
	}, nil
}

// ResolveKind decides the archive kind for this run. Explicit modes win;
// auto promotes to a full snapshot when the chain has none, or when the
// promotion cadence has been crossed since the most recent full.
func (p *BackupPlan) ResolveKind(chain []patharchive.Member, nowUTC time.Time) patharchive.Kind {
	switch p.Mode {
	case Full:
		return patharchive.Full
	case Incremental:
		return patharchive.Incremental
	}

	lastFull, ok := patharchive.LastFull(chain)
	if !ok {
		plog.Info("Chain has no full snapshot yet, promoting this run", "stem", patharchive.Stem(p.Archive.Prefix, p.RootName))
		return patharchive.Full
	}
	if p.FullEveryDays <= 0 {
		return patharchive.Incremental
	}
	if fullCadenceCrossed(lastFull.TimestampUTC, nowUTC, p.FullEveryDays, cadenceLocation) {
		plog.Info("Full snapshot cadence crossed, promoting this run", "lastFull", lastFull.Name, "everyDays", p.FullEveryDays)
		return patharchive.Full
	}
	return patharchive.Incremental
}

// resolveFullCadence maps the interval-mode config onto a promotion
// cadence in days. Auto applies the built-in weekly cadence; manual
// trusts the configured value, where 0 disables interval promotion.
func resolveFullCadence(intervalMode string, fullEveryDays int) (int, error) {
	switch intervalMode {
	case config.AutoInterval:
		return defaultFullEveryDays, nil
	case config.ManualInterval:
		return fullEveryDays, nil
	default:
		return 0, fmt.Errorf("invalid archive interval mode: %q. Must be 'auto' or 'manual'", intervalMode)
	}
}

// fullCadenceCrossed reports whether nowUTC falls in a later cadence
// bucket than the previous full snapshot.
//
// Bucket boundaries are calculated from the given location's midnight, so
// full snapshots align with the user's calendar day even though all
// stored timestamps are UTC. Epoch day counting keeps DST transitions
// (23h/25h days) from shifting the boundary.
func fullCadenceCrossed(lastFullUTC, nowUTC time.Time, everyDays int, loc *time.Location) bool {
	lastDayNum := epochDays(lastFullUTC, loc)
	currentDayNum := epochDays(nowUTC, loc)

	// Example: everyDays = 7.
	// Day 13 / 7 = 1. Day 14 / 7 = 2. (Promote!)
	return (currentDayNum / int64(everyDays)) != (lastDayNum / int64(everyDays))
}

// epochDays calculates the number of days since the Unix Epoch
// (1970-01-01) for a given time in a specific location. It normalizes the
// time to midnight and adds a 12-hour buffer to handle DST transitions
// robustly.
func epochDays(t time.Time, loc *time.Location) int64 {
	y, m, d := t.In(loc).Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	anchor := time.Date(1970, 1, 1, 0, 0, 0, 0, loc)
	return int64(midnight.Sub(anchor).Hours()+12) / 24
}

// chainRootName derives the chain's root name from the source directory:
// /home/user/docs backs up into the "<prefix>-docs" chain.
func chainRootName(absSourcePath string) (string, error) {
	name := filepath.Base(absSourcePath)
	if name == "" || name == "." || name == string(filepath.Separator) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("cannot derive a chain name from source %q", absSourcePath)
	}
	return name, nil
}
