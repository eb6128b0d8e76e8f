package shm

import (
	"errors"
	"sync/atomic"
	"time"
)

// PollSlice bounds a single futex sleep so that waiters can notice local
// cancellation even when nobody wakes them.
const PollSlice = 20 * time.Millisecond

// Mutex is a process-shared lock on a 32-bit word in mapped memory.
// States: 0 unlocked, 1 locked, 2 locked with possible waiters.
type Mutex struct {
	word *uint32
}

func NewMutex(word *uint32) Mutex {
	return Mutex{word: word}
}

// Lock acquires the mutex. It returns ErrWaitTimeout once deadline passes
// (zero means no deadline) and the error of check, which is polled between
// sleeps, if that becomes non-nil.
func (m Mutex) Lock(deadline time.Time, check func() error) error {
	if atomic.CompareAndSwapUint32(m.word, 0, 1) {
		return nil
	}
	for {
		if atomic.SwapUint32(m.word, 2) == 0 {
			return nil
		}
		wait, err := WaitSlice(deadline)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(); err != nil {
				return err
			}
		}
		if err := FutexWait(m.word, 2, wait); err != nil && !errors.Is(err, ErrWaitTimeout) {
			return err
		}
	}
}

// TryLock acquires the mutex only if it is free.
func (m Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, 0, 1)
}

// Unlock releases the mutex and wakes one waiter if there may be any.
func (m Mutex) Unlock() error {
	if atomic.AddUint32(m.word, ^uint32(0)) != 0 {
		atomic.StoreUint32(m.word, 0)
		if _, err := FutexWake(m.word, 1); err != nil {
			return err
		}
	}
	return nil
}

// State returns the raw lock word.
func (m Mutex) State() uint32 {
	return atomic.LoadUint32(m.word)
}

// WaitSlice returns how long the next futex sleep before deadline may last,
// or ErrWaitTimeout once the deadline has passed.
func WaitSlice(deadline time.Time) (time.Duration, error) {
	if deadline.IsZero() {
		return PollSlice, nil
	}
	left := time.Until(deadline)
	if left <= 0 {
		return 0, ErrWaitTimeout
	}
	return min(left, PollSlice), nil
}
