// Package device lists mounted volumes that can hold a snapshot base
// directory and releases removable media after a run. Listing is backed
// by gopsutil, so it works the same way on Linux, macOS and Windows.
package device

import (
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/disk"

	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

// Seams for testing; gopsutil talks to the real system otherwise.
var (
	partitions = disk.Partitions
	usage      = disk.Usage
)

// Device is one mounted volume.
type Device struct {
	Device     string
	Mountpoint string
	Fstype     string
	TotalBytes uint64
	FreeBytes  uint64
}

// List returns the mounted physical volumes, sorted by mountpoint.
// Pseudo filesystems (proc, sysfs, overlay scratch space and the like)
// are excluded by asking gopsutil for physical partitions only. Volumes
// whose usage cannot be read are listed anyway with zero sizes; a
// candidate destination should not vanish because a statfs call failed.
func List() ([]Device, error) {
	parts, err := partitions(false)
	if err != nil {
		return nil, fmt.Errorf("could not list partitions: %w", err)
	}

	devices := make([]Device, 0, len(parts))
	for _, part := range parts {
		dev := Device{
			Device:     part.Device,
			Mountpoint: part.Mountpoint,
			Fstype:     part.Fstype,
		}
		if u, err := usage(part.Mountpoint); err == nil {
			dev.TotalBytes = u.Total
			dev.FreeBytes = u.Free
		} else {
			plog.Debug("Could not read usage for mountpoint", "mountpoint", part.Mountpoint, "error", err)
		}
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Mountpoint < devices[j].Mountpoint
	})
	return devices, nil
}
