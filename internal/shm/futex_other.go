//go:build !linux

package shm

import "time"

// FutexWait is not available on this platform.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	return ErrUnsupportedPlatform
}

// FutexWake is not available on this platform.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, ErrUnsupportedPlatform
}
