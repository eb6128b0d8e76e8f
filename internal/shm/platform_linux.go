//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

var errNotSized = errors.New("segment not sized yet")

// MapRegion maps or creates a shared memory region (Linux implementation).
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, opts.Size)
	}
	perm := opts.Perm
	if perm == 0 {
		perm = DefaultPerm
	}
	switch opts.Mode {
	case MapCreate:
		return createRegion(opts.Path, opts.Size, perm)
	case MapAttach:
		return attachRegion(ctx, opts.Path, opts.Size, opts.AttachWait)
	}
	region, err := createRegion(opts.Path, opts.Size, perm)
	if !errors.Is(err, ErrExists) {
		return region, err
	}
	return attachRegion(ctx, opts.Path, opts.Size, opts.AttachWait)
}

func createRegion(path string, size int, perm uint32) (*MappedRegion, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, classify("open", path, err)
	}
	defer closeFd(fd)

	fail := func(err error) (*MappedRegion, error) {
		if uerr := unix.Unlink(path); uerr != nil {
			err = fmt.Errorf("%w (unlink after failed create: %v)", err, uerr)
		}
		return nil, err
	}
	// umask strips bits from the open(2) mode.
	if err := unix.Fchmod(fd, perm); err != nil {
		return fail(classify("fchmod", path, err))
	}
	if err := CheckSpace(path, size); err != nil {
		return fail(err)
	}
	// ftruncate zero-fills, which is the initial state of the frame slot.
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fail(classify("ftruncate", path, err))
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(classify("mmap", path, err))
	}
	return &MappedRegion{Addr: mem, Path: path, Size: size, Created: true}, nil
}

func attachRegion(ctx context.Context, path string, size int, wait time.Duration) (*MappedRegion, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, classify("open", path, err)
	}
	defer closeFd(fd)

	actual, err := sizedLength(ctx, fd, wait)
	if err != nil {
		return nil, classify("fstat", path, err)
	}
	if actual != int64(size) {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, actual, size)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, classify("mmap", path, err)
	}
	return &MappedRegion{Addr: mem, Path: path, Size: size}, nil
}

// sizedLength returns the file length, waiting up to wait for a creator that
// has opened but not yet truncated the file.
func sizedLength(ctx context.Context, fd int, wait time.Duration) (int64, error) {
	stat := func() (int64, error) {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return 0, backoff.Permanent(err)
		}
		if st.Size == 0 {
			return 0, errNotSized
		}
		return st.Size, nil
	}
	if wait <= 0 {
		n, err := stat()
		if errors.Is(err, errNotSized) {
			return 0, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return 0, perm.Err
		}
		return n, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = wait
	n, err := backoff.RetryWithData(stat, backoff.WithContext(b, ctx))
	if errors.Is(err, errNotSized) {
		return 0, nil
	}
	return n, err
}

// UnmapRegion unmaps the shared memory region (Linux implementation).
// Unmapping an already unmapped region is a no-op.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap %s: %w", region.Path, err)
	}
	region.Addr = nil
	return nil
}

// RemoveRegion unlinks the named segment file. Existing mappings stay valid
// until they are unmapped.
func RemoveRegion(path string) error {
	if err := unix.Unlink(path); err != nil {
		return classify("unlink", path, err)
	}
	return nil
}

func classify(op, path string, err error) error {
	switch {
	case errors.Is(err, unix.EEXIST):
		return fmt.Errorf("%w: %s", ErrExists, path)
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s %s: %v", ErrPermission, op, path, err)
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EFBIG):
		return fmt.Errorf("%w: %s %s: %v", ErrResourceExhausted, op, path, err)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

// closeFd closes a descriptor whose mapping, if any, is already established;
// the mapping stays valid after close.
func closeFd(fd int) {
	_ = unix.Close(fd)
}
