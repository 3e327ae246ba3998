//go:build !windows

package recorder

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkDiskSpace verifies dir's filesystem has at least minMB free.
func checkDiskSpace(dir string, minMB int64) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}

	availableMB := stat.Bavail * uint64(stat.Bsize) / (1024 * 1024)
	if availableMB < uint64(minMB) {
		return availableMB, fmt.Errorf("%w: %d MB available, need %d MB", ErrInsufficientDiskSpace, availableMB, minMB)
	}
	return availableMB, nil
}
