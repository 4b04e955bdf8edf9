package localdisk

import (
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"
)

// GopsutilCapacityProbe reports total/available bytes for root using
// gopsutil, the ecosystem equivalent of the Rust fs2 crate used by
// the original delegator for total_space/available_space.
func GopsutilCapacityProbe(root string) (capacityBytes, availableBytes uint64, err error) {
	usage, statErr := disk.Usage(root)
	if statErr != nil {
		return 0, 0, statErr
	}
	return usage.Total, usage.Free, nil
}

// StatfsCapacityProbe reports total/available bytes for root through
// syscall.Statfs, without gopsutil. GopsutilCapacityProbe does not fall
// back to it; it is used only where a caller passes it to New.
func StatfsCapacityProbe(root string) (capacityBytes, availableBytes uint64, err error) {
	var stat syscall.Statfs_t
	if statErr := syscall.Statfs(root, &stat); statErr != nil {
		return 0, 0, statErr
	}
	capacityBytes = stat.Blocks * uint64(stat.Bsize)
	availableBytes = stat.Bavail * uint64(stat.Bsize)
	return capacityBytes, availableBytes, nil
}
