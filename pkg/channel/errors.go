package channel

import (
	"errors"

	"github.com/srediag/shmframe/pkg/frame"
	"github.com/srediag/shmframe/pkg/shm"
)

// Lifecycle errors, returned by Open.
var (
	ErrNotFound          = shm.ErrNotFound
	ErrExists            = shm.ErrExists
	ErrSizeMismatch      = shm.ErrSizeMismatch
	ErrPermission        = shm.ErrPermission
	ErrResourceExhausted = shm.ErrResourceExhausted
	ErrInvalidName       = shm.ErrInvalidName
)

// Validation errors.
var (
	ErrInvalidShape  = frame.ErrInvalidShape
	ErrShapeMismatch = errors.New("payload size does not match the channel shape")
	ErrWrongRole     = errors.New("operation not allowed for this channel role")
)

// Synchronisation errors. Callers may retry or skip a frame.
var (
	ErrTimeout   = errors.New("timed out waiting for frame slot")
	ErrStaleRead = errors.New("no consistent frame within retry budget")
	ErrNoFrame   = errors.New("no frame published yet")
	ErrSlotBusy  = errors.New("frame slot held by another producer")
	ErrClosed    = errors.New("channel closed")
)

var (
	errWriting = errors.New("producer mid-write")
	errTorn    = errors.New("torn read")
)
