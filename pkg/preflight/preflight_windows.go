//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// platformValidateMountPoint verifies that the volume holding the path is
// actually available: for "Z:\backup" it stats "Z:\". A disconnected
// drive or unreachable share fails here instead of producing a ghost
// directory on the system disk.
func platformValidateMountPoint(path string) error {
	if isUnsafeRoot(path) {
		return fmt.Errorf("target path '%s' is ambiguous; use an explicit directory like 'D:\\backups'", path)
	}

	volume := filepath.VolumeName(path)
	if volume == "" {
		// Relative path, no volume to verify.
		return nil
	}

	// "C:" stats the drive's current directory, not its root.
	root := volume
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	root = filepath.Clean(root)

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", root)
	}
	return nil
}

// isUnsafeRoot reports whether the path names the current directory or a
// bare drive letter. "C:" resolves to the drive's current directory and
// filepath.Clean turns it into "C:.", so both spellings are refused. UNC
// roots are fine; their volume name carries a separator.
func isUnsafeRoot(path string) bool {
	if path == "." || path == string(filepath.Separator) {
		return true
	}

	vol := filepath.VolumeName(path)
	if vol == "" || strings.Contains(vol, string(filepath.Separator)) {
		return false
	}
	return path == vol || path == vol+"."
}
