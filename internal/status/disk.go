package status

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskInfo describes the filesystem holding the device files.
type DiskInfo struct {
	Path        string
	TotalBytes  uint64
	FreeBytes   uint64
	UsedPercent float64
}

// DiskUsage reports usage of the filesystem containing path.
func DiskUsage(path string) (*DiskInfo, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return &DiskInfo{
		Path:        path,
		TotalBytes:  u.Total,
		FreeBytes:   u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}
