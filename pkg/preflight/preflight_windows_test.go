//go:build windows

package preflight

import (
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/windows"
)

// unusedDriveRoot returns the root of a drive letter not present on this
// system, or "" when every letter is taken.
func unusedDriveRoot(t *testing.T) string {
	t.Helper()
	drives, err := windows.GetLogicalDrives()
	if err != nil {
		t.Fatalf("GetLogicalDrives failed: %v", err)
	}
	for letter := 'A'; letter <= 'Z'; letter++ {
		if drives&(uint32(1)<<(letter-'A')) == 0 {
			return string(letter) + `:\`
		}
	}
	return ""
}

func TestPlatformValidateMountPoint_Windows(t *testing.T) {
	t.Run("Missing Drive Is Refused", func(t *testing.T) {
		root := unusedDriveRoot(t)
		if root == "" {
			t.Skip("every drive letter A-Z is in use")
		}
		path := filepath.Join(root, "nonexistent", "backup", "path")

		err := CheckBackupTargetAccessible(path)
		if err == nil {
			t.Fatal("expected an error for a disconnected drive, got nil")
		}
		if !strings.Contains(err.Error(), "volume root does not exist") {
			t.Errorf("expected a volume-root error, got: %v", err)
		}
	})

	t.Run("Bare Drive Letter Is Ambiguous", func(t *testing.T) {
		// "C:" is the drive's current directory, not its root.
		err := platformValidateMountPoint(`C:`)
		if err == nil || !strings.Contains(err.Error(), "is ambiguous") {
			t.Errorf("expected an unsafe-root error for a bare drive letter, got: %v", err)
		}
	})

	t.Run("Explicit Volume Root Is Allowed", func(t *testing.T) {
		if err := platformValidateMountPoint(`C:\`); err != nil {
			t.Errorf("expected no error for an explicit volume root, got: %v", err)
		}
	})

	t.Run("UNC Path Passes the Root Check", func(t *testing.T) {
		// A UNC volume name carries a separator, so it must reach the
		// existence check and fail there, not at the unsafe-root gate.
		err := platformValidateMountPoint(`\\server\share`)
		if err == nil {
			t.Fatal("expected an error for an unreachable share, got nil")
		}
		if !strings.Contains(err.Error(), "volume root does not exist") {
			t.Errorf("expected a volume-root error, got: %v", err)
		}
	})

	t.Run("Existing Volume Is Allowed", func(t *testing.T) {
		volume := filepath.VolumeName(t.TempDir())
		if volume == "" {
			t.Skip("could not determine an existing volume")
		}
		path := filepath.Join(volume, "Users", "Test")
		if err := platformValidateMountPoint(path); err != nil {
			t.Errorf("expected no error for %q, got: %v", path, err)
		}
	})

	t.Run("Relative Path Has Nothing to Check", func(t *testing.T) {
		if err := platformValidateMountPoint(`some\relative\path`); err != nil {
			t.Errorf("expected no error for a relative path, got: %v", err)
		}
	})
}
