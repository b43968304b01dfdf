// Package preflight validates that the system is in a suitable state
// before an operation starts mutating anything. The checks are selected
// per run through a Plan: a backup cares about the source, the nesting of
// source and base, and base writability; a restore only cares about its
// target. Except for the explicit ensure-exists and write-probe steps the
// checks never change filesystem state.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/disk"

	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// freeSpaceHeadroom pads the estimated archive size before comparing it
// against the free space of the base volume. Compression usually shrinks
// the data, but the container also carries tar headers and the temp file
// coexists with the chain until the rename.
const freeSpaceHeadroom = 1.1

// ErrLowDiskSpace reports a failed free-space precondition. Callers branch
// on it with errors.As to distinguish "disk full" from setup errors.
type ErrLowDiskSpace struct {
	Path      string
	Needed    uint64
	Available uint64
}

func (e *ErrLowDiskSpace) Error() string {
	return fmt.Sprintf("not enough free space on %s: need %s (with headroom), have %s",
		e.Path, util.ByteCountIEC(int64(e.Needed)), util.ByteCountIEC(int64(e.Available)))
}

// Validator runs the preflight checks requested by a Plan. It is
// stateless and safe for concurrent use.
type Validator struct{}

// Checker defines the interface for a component that validates
// preconditions before an operation runs.
type Checker interface {
	Run(ctx context.Context, absSourcePath, absTargetPath string, p *Plan, timestampUTC time.Time) error
}

// Statically assert that *Validator implements the Checker interface.
var _ Checker = (*Validator)(nil)

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Run executes the checks the plan enables, in dependency order: source
// first, then the relationship between source and target, then the target
// itself. The first failed check aborts the run.
func (v *Validator) Run(ctx context.Context, absSourcePath, absTargetPath string, p *Plan, timestampUTC time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if p.SourceAccessible {
		if err := CheckBackupSourceAccessible(absSourcePath); err != nil {
			return err
		}
	}

	if p.CaseMismatch {
		if err := checkCaseMismatch(absSourcePath, absTargetPath); err != nil {
			return err
		}
	}

	if p.PathNesting {
		if err := checkPathNesting(absSourcePath, absTargetPath); err != nil {
			return err
		}
	}

	if p.TargetAccessible {
		if err := CheckBackupTargetAccessible(absTargetPath); err != nil {
			return err
		}
	}

	if p.EnsureTargetExists {
		if p.DryRun {
			plog.Debug("[DRY RUN] Would ensure target directory exists", "path", absTargetPath)
		} else if err := os.MkdirAll(absTargetPath, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create target directory %s: %w", absTargetPath, err)
		}
	}

	if p.TargetWriteable && !p.DryRun {
		if err := CheckBackupTargetWritable(absTargetPath); err != nil {
			return err
		}
	}

	plog.Debug("Preflight checks passed", "source", absSourcePath, "target", absTargetPath)
	return nil
}

// CheckBackupSourceAccessible validates that the source path exists and is a directory.
func CheckBackupSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckBackupTargetAccessible performs pre-flight checks to ensure the backup target is usable.
// It provides more user-friendly errors than letting os.MkdirAll fail.
//
// The checks include:
//  1. If the target path exists, confirms it is a directory.
//  2. If the target path does not exist, walks up to the deepest existing
//     ancestor and confirms it is accessible.
//  3. On Unix, verifies the existing directory is not a "ghost" on the root
//     filesystem where an external drive should be mounted. On Windows,
//     verifies that the drive or network share (e.g., "Z:", "\\Server\Share") exists.
func CheckBackupTargetAccessible(targetPath string) error {
	info, err := os.Stat(targetPath)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
		}
		return platformValidateMountPoint(targetPath)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("cannot access target path %s: %w", targetPath, err)
	}

	// The target does not exist yet. Find the deepest existing ancestor:
	// if /mnt/backup/photos is missing, the mount check must run against
	// /mnt/backup (or whatever part of the path actually exists).
	ancestor := filepath.Dir(targetPath)
	for {
		_, err := os.Stat(ancestor)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break // Hit root.
		}
		ancestor = parent
	}

	return platformValidateMountPoint(ancestor)
}

// CheckBackupTargetWritable ensures the target directory exists and is
// writable by creating and deleting a probe file inside it.
func CheckBackupTargetWritable(targetPath string) error {
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("target directory does not exist: %s", targetPath)
	}
	if err != nil {
		return fmt.Errorf("cannot access target directory %s: %w", targetPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}

	probe, err := os.CreateTemp(targetPath, ".pgl-snapshot-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	name := probe.Name()
	probe.Close()
	_ = os.Remove(name)
	return nil
}

// CheckFreeSpace verifies that the volume holding absTargetPath has room
// for neededBytes plus headroom. The engine calls this after change
// detection, when the selected byte count is known, and before the
// archive container is opened.
func CheckFreeSpace(absTargetPath string, neededBytes int64) error {
	if neededBytes <= 0 {
		return nil
	}

	usage, err := disk.Usage(absTargetPath)
	if err != nil {
		return fmt.Errorf("could not determine free space for %s: %w", absTargetPath, err)
	}

	padded := uint64(float64(neededBytes) * freeSpaceHeadroom)
	if usage.Free < padded {
		return &ErrLowDiskSpace{Path: absTargetPath, Needed: padded, Available: usage.Free}
	}

	plog.Debug("Free space check passed",
		"path", absTargetPath,
		"needed", util.ByteCountIEC(int64(padded)),
		"available", util.ByteCountIEC(int64(usage.Free)))
	return nil
}

// checkCaseMismatch rejects source and target paths that differ only in
// case. On case-insensitive filesystems (Windows, default macOS) they
// name the same directory, which the nesting check cannot see.
func checkCaseMismatch(absSourcePath, absTargetPath string) error {
	if absSourcePath != absTargetPath && strings.EqualFold(absSourcePath, absTargetPath) {
		return fmt.Errorf("source %s and target %s differ only in case and may be the same directory", absSourcePath, absTargetPath)
	}
	return nil
}

// checkPathNesting rejects runs where one of the two directories contains
// the other. A target inside the source would make every snapshot archive
// the previous archives; a source inside the target would restore files
// next to the chain.
func checkPathNesting(absSourcePath, absTargetPath string) error {
	if absSourcePath == absTargetPath {
		return fmt.Errorf("source and target are the same directory: %s", absSourcePath)
	}
	if isWithin(absSourcePath, absTargetPath) {
		return fmt.Errorf("target %s is inside source %s", absTargetPath, absSourcePath)
	}
	if isWithin(absTargetPath, absSourcePath) {
		return fmt.Errorf("source %s is inside target %s", absSourcePath, absTargetPath)
	}
	return nil
}

// isWithin reports whether child is strictly inside parent.
func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false // Different volumes cannot nest.
	}
	if rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
