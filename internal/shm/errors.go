package shm

import "errors"

var (
	ErrNotFound            = errors.New("shared memory segment not found")
	ErrExists              = errors.New("shared memory segment already exists")
	ErrSizeMismatch        = errors.New("shared memory segment size mismatch")
	ErrPermission          = errors.New("shared memory segment permission denied")
	ErrResourceExhausted   = errors.New("not enough shared memory to allocate segment")
	ErrInvalidSize         = errors.New("invalid shared memory segment size")
	ErrUnsupportedPlatform = errors.New("shared memory segments are not supported on this platform")
	ErrWaitTimeout         = errors.New("futex wait timed out")
)
