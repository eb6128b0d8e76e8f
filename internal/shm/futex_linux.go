//go:build linux

package shm

import (
	"fmt"
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations: the words live in MAP_SHARED memory
// and waiters may sit in other processes.
const (
	futexWait = 0
	futexWake = 1
)

// FutexWait blocks while *addr == val, for at most timeout (<= 0 waits
// without a bound). A changed value, a signal or a spurious wakeup all
// return nil; the caller re-checks its condition. ErrWaitTimeout is returned
// once the timeout elapsed.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWait, uintptr(val),
		uintptr(unsafe.Pointer(ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrWaitTimeout
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// FutexWake wakes up to n waiters blocked on addr and returns how many woke.
// n < 0 wakes all of them.
func FutexWake(addr *uint32, n int) (int, error) {
	if n < 0 {
		n = math.MaxInt32
	}
	woken, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWake, uintptr(n), 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake: %w", errno)
	}
	return int(woken), nil
}
