package shm

import (
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// CheckSpace reports ErrResourceExhausted when the filesystem holding path
// has fewer than size free bytes. tmpfs accepts ftruncate beyond its limit
// and fails later with SIGBUS on first touch, so the check happens up front.
func CheckSpace(path string, size int) error {
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		// Unknown capacity is not a reason to refuse the segment.
		return nil
	}
	if usage.Free < uint64(size) {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrResourceExhausted, filepath.Dir(path), usage.Free, size)
	}
	return nil
}
