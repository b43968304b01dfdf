//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// platformValidateMountPoint detects ghost directories: a base path that
// should live on an external drive but sits on the root filesystem means
// the drive is not mounted, and writing there would silently fill the
// system disk behind an empty mount point.
func platformValidateMountPoint(path string) error {
	// Backups into the user's home or the system temp directory are
	// usually intentional and live on the root device.
	if home, _ := os.UserHomeDir(); home != "" && strings.HasPrefix(path, home) {
		return nil
	}
	if strings.HasPrefix(path, os.TempDir()) {
		return nil
	}

	rootDev, err := deviceID("/")
	if err != nil {
		return err
	}
	pathDev, err := deviceID(path)
	if err != nil {
		return err
	}

	// Same device as "/" means nothing is mounted at the target. The one
	// legitimate exception is targeting the root itself.
	if pathDev == rootDev && path != "/" {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk). "+
			"Ensure your external drive is mounted", path)
	}
	return nil
}

func deviceID(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("unsupported platform for syscall.Stat_t")
	}
	return uint64(stat.Dev), nil
}
