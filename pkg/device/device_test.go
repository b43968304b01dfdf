package device

import (
	"errors"
	"strings"
	"testing"

	"github.com/shirou/gopsutil/disk"
)

func stubSystem(t *testing.T, parts []disk.PartitionStat, partsErr error, usageByPath map[string]*disk.UsageStat) {
	t.Helper()
	origPartitions := partitions
	origUsage := usage
	t.Cleanup(func() {
		partitions = origPartitions
		usage = origUsage
	})
	partitions = func(all bool) ([]disk.PartitionStat, error) {
		return parts, partsErr
	}
	usage = func(path string) (*disk.UsageStat, error) {
		u, ok := usageByPath[path]
		if !ok {
			return nil, errors.New("statfs failed")
		}
		return u, nil
	}
}

func TestList(t *testing.T) {
	t.Run("sorts by mountpoint and maps usage", func(t *testing.T) {
		stubSystem(t, []disk.PartitionStat{
			{Device: "/dev/sdb1", Mountpoint: "/mnt/backup", Fstype: "ext4"},
			{Device: "/dev/sda1", Mountpoint: "/", Fstype: "ext4"},
		}, nil, map[string]*disk.UsageStat{
			"/":           {Total: 500, Free: 100},
			"/mnt/backup": {Total: 2000, Free: 1500},
		})

		devices, err := List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(devices) != 2 {
			t.Fatalf("List() returned %d devices, want 2", len(devices))
		}
		if devices[0].Mountpoint != "/" || devices[1].Mountpoint != "/mnt/backup" {
			t.Errorf("devices not sorted by mountpoint: %q, %q", devices[0].Mountpoint, devices[1].Mountpoint)
		}
		if devices[1].Device != "/dev/sdb1" || devices[1].Fstype != "ext4" {
			t.Errorf("unexpected device identity: %+v", devices[1])
		}
		if devices[1].TotalBytes != 2000 || devices[1].FreeBytes != 1500 {
			t.Errorf("unexpected sizes: %+v", devices[1])
		}
	})

	t.Run("keeps volumes whose usage cannot be read", func(t *testing.T) {
		stubSystem(t, []disk.PartitionStat{
			{Device: "/dev/sdc1", Mountpoint: "/mnt/flaky", Fstype: "vfat"},
		}, nil, nil)

		devices, err := List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(devices) != 1 {
			t.Fatalf("List() returned %d devices, want 1", len(devices))
		}
		if devices[0].TotalBytes != 0 || devices[0].FreeBytes != 0 {
			t.Errorf("expected zero sizes for unreadable volume, got %+v", devices[0])
		}
	})

	t.Run("fails when partitions cannot be listed", func(t *testing.T) {
		stubSystem(t, nil, errors.New("no procfs"), nil)

		if _, err := List(); err == nil || !strings.Contains(err.Error(), "could not list partitions") {
			t.Fatalf("List() error = %v, want partition listing failure", err)
		}
	})
}
