// Package shm contains platform-specific helpers for named shared memory segments.
package shm

import "time"

// DefaultDir is the tmpfs directory backing named segments on Linux.
const DefaultDir = "/dev/shm"

// DefaultPerm matches the permissions segments are created with by the
// native producers, so that processes of different users can attach.
const DefaultPerm = 0o666

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr    []byte
	Path    string
	Size    int
	Created bool
}

// MapMode selects how MapRegion treats an existing or missing file.
type MapMode int

const (
	// MapCreateOrAttach creates the file if missing, otherwise attaches to it.
	MapCreateOrAttach MapMode = iota
	// MapCreate fails with ErrExists if the file is already there.
	MapCreate
	// MapAttach fails with ErrNotFound if the file is missing.
	MapAttach
)

func (m MapMode) String() string {
	switch m {
	case MapCreate:
		return "create"
	case MapAttach:
		return "attach"
	default:
		return "create-or-attach"
	}
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Path string
	Size int
	Mode MapMode
	Perm uint32
	// AttachWait bounds how long an attacher waits for the creator to size a
	// freshly created, still empty file. Zero checks once.
	AttachWait time.Duration
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
