package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	internalshm "github.com/srediag/shmframe/internal/shm"
	"github.com/srediag/shmframe/pkg/frame"
)

var errWaitTimeout = internalshm.ErrWaitTimeout

// Offsets inside the sync block that follows the payload of a blocking slot.
const (
	syncMutexOffset      = 0
	syncCondOffset       = 4
	syncWaitersOffset    = 8
	syncGenerationOffset = 16
)

// syncBlock views the process-shared synchronisation words of a blocking slot.
type syncBlock struct {
	mu      internalshm.Mutex
	cond    *uint32 // bumped on every store; consumers futex-wait on it
	waiters *uint32 // consumers currently sleeping on cond
	gen     *uint64 // number of completed stores
}

func newSyncBlock(l frame.Layout, mem []byte) syncBlock {
	off := l.SyncOffset()
	return syncBlock{
		mu:      internalshm.NewMutex(internalshm.Word32(mem, off+syncMutexOffset)),
		cond:    internalshm.Word32(mem, off+syncCondOffset),
		waiters: internalshm.Word32(mem, off+syncWaitersOffset),
		gen:     internalshm.Word64(mem, off+syncGenerationOffset),
	}
}

func (h *Handle) storeBlocking(ctx context.Context, mem []byte, number uint64, timestamp int64, payload []byte) error {
	s := newSyncBlock(h.layout, mem)
	if err := s.mu.Lock(h.deadline(ctx), h.abortCheck(ctx)); err != nil {
		return h.waitErr(ctx, err)
	}
	defer h.unlock(s)

	h.layout.WriteHeader(mem, number, timestamp)
	copy(h.layout.Payload(mem), payload)
	atomic.AddUint64(s.gen, 1)
	atomic.AddUint32(s.cond, 1)

	if atomic.LoadUint32(s.waiters) > 0 {
		n := 1
		if h.opts.WakeAll {
			n = -1
		}
		if _, err := internalshm.FutexWake(s.cond, n); err != nil {
			h.log.Warnf("%s: wake consumers: %v", h.opts.Name, err)
		}
	}
	return nil
}

// loadBlocking waits until the store generation differs from the last one
// this handle returned, then copies the slot under the mutex.
func (h *Handle) loadBlocking(ctx context.Context, mem []byte, buf []byte) (frame.Frame, error) {
	s := newSyncBlock(h.layout, mem)
	deadline := h.deadline(ctx)
	check := h.abortCheck(ctx)

	if err := s.mu.Lock(deadline, check); err != nil {
		return frame.Frame{}, h.waitErr(ctx, err)
	}
	last := h.lastGen.Load()
	for atomic.LoadUint64(s.gen) == last {
		seq := atomic.LoadUint32(s.cond)
		atomic.AddUint32(s.waiters, 1)
		h.unlock(s)

		err := h.sleep(s, seq, deadline, check)
		atomic.AddUint32(s.waiters, ^uint32(0))
		if err != nil {
			return frame.Frame{}, h.waitErr(ctx, err)
		}
		if err := s.mu.Lock(deadline, check); err != nil {
			return frame.Frame{}, h.waitErr(ctx, err)
		}
	}

	gen := atomic.LoadUint64(s.gen)
	hdr := h.layout.ReadHeader(mem)
	copy(buf, h.layout.Payload(mem))
	h.unlock(s)

	h.lastGen.Store(gen)
	return frame.Frame{
		Number:    hdr.FrameNumber,
		Timestamp: hdr.Timestamp,
		Sequence:  gen,
		Payload:   buf,
	}, nil
}

// sleep blocks on the condition word until it moves away from seq, the
// deadline passes or check fails. Spurious wakeups return nil.
func (h *Handle) sleep(s syncBlock, seq uint32, deadline time.Time, check func() error) error {
	wait, err := internalshm.WaitSlice(deadline)
	if err != nil {
		return err
	}
	if err := internalshm.FutexWait(s.cond, seq, wait); err != nil && !errors.Is(err, errWaitTimeout) {
		return err
	}
	if err := check(); err != nil {
		return err
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return errWaitTimeout
	}
	return nil
}

func (h *Handle) unlock(s syncBlock) {
	if err := s.mu.Unlock(); err != nil {
		h.log.Warnf("%s: unlock: %v", h.opts.Name, err)
	}
}

// wakeLocalWaiters nudges every sleeper on the condition word so that loads
// pending on this handle observe the closed flag. Sleepers in other
// processes wake spuriously and go back to sleep.
func (h *Handle) wakeLocalWaiters() {
	mem, err := h.seg.Acquire()
	if err != nil {
		return
	}
	defer h.seg.Release()
	s := newSyncBlock(h.layout, mem)
	if atomic.LoadUint32(s.waiters) == 0 {
		return
	}
	if _, err := internalshm.FutexWake(s.cond, -1); err != nil {
		h.log.Warnf("%s: wake on close: %v", h.opts.Name, err)
	}
}
