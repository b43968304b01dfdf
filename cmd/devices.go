package cmd

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-snapshot/pkg/device"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// RunDevices prints the mounted volumes that can hold a base directory.
func RunDevices(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	devices, err := device.List()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("No mounted volumes found.")
		return nil
	}

	// Mountpoints dominate the table width, so size them to the data.
	mountColWidth := len("Mountpoint")
	for _, d := range devices {
		if len(d.Mountpoint) > mountColWidth {
			mountColWidth = len(d.Mountpoint)
		}
	}

	fmt.Printf("%-*s %10s %10s %-8s %s\n", mountColWidth, "Mountpoint", "Total", "Free", "Type", "Device")
	for _, d := range devices {
		fmt.Printf("%-*s %10s %10s %-8s %s\n",
			mountColWidth, d.Mountpoint,
			util.ByteCountIEC(int64(d.TotalBytes)),
			util.ByteCountIEC(int64(d.FreeBytes)),
			d.Fstype, d.Device)
	}
	return nil
}
