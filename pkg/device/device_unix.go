//go:build !windows

package device

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

// Unmount releases the volume mounted at path so removable media can be
// pulled after a run. The path must be the mountpoint itself, not a
// directory inside it; unmounting the volume a base directory merely
// lives on would surprise whatever else uses that volume.
func Unmount(path string) error {
	isMount, err := IsMountPoint(path)
	if err != nil {
		return fmt.Errorf("could not inspect %s: %w", path, err)
	}
	if !isMount {
		return fmt.Errorf("%s is not a mountpoint", path)
	}

	plog.Info("Unmounting volume", "mountpoint", path)
	if err := unix.Unmount(path, 0); err != nil {
		return fmt.Errorf("unmount of %s failed: %w", path, err)
	}
	return nil
}

// IsMountPoint checks if the given path is a mount point on Unix-like systems.
// It returns true if path is a mount point, false otherwise.
func IsMountPoint(path string) (bool, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	// Get the parent directory
	parent := filepath.Dir(path)
	parentInfo, err := os.Stat(parent)
	if err != nil {
		return false, err
	}

	// Extract underlying system stats to compare Device IDs
	stat, ok := fileInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("unsupported platform for syscall.Stat_t")
	}

	parentStat, ok := parentInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("unsupported platform for syscall.Stat_t")
	}

	// If the directory and its parent have different Device IDs, it's a mount point.
	// Also handle the edge case of the root path "/" where path == parent.
	return stat.Dev != parentStat.Dev || path == parent, nil
}
