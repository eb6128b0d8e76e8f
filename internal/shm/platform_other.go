//go:build !linux

package shm

import "context"

// MapRegion is not available on this platform.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupportedPlatform
}

// UnmapRegion is a no-op on this platform.
func UnmapRegion(region *MappedRegion) error {
	return nil
}

// RemoveRegion is not available on this platform.
func RemoveRegion(path string) error {
	return ErrUnsupportedPlatform
}
