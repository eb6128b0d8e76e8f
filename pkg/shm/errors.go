package shm

import (
	"errors"

	internalshm "github.com/srediag/shmframe/internal/shm"
)

var (
	ErrNotFound            = internalshm.ErrNotFound
	ErrExists              = internalshm.ErrExists
	ErrSizeMismatch        = internalshm.ErrSizeMismatch
	ErrPermission          = internalshm.ErrPermission
	ErrResourceExhausted   = internalshm.ErrResourceExhausted
	ErrInvalidSize         = internalshm.ErrInvalidSize
	ErrUnsupportedPlatform = internalshm.ErrUnsupportedPlatform

	ErrInvalidName = errors.New("invalid shared memory segment name")
	ErrDetached    = errors.New("shared memory segment detached")
)
