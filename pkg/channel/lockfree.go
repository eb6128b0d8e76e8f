package channel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/shmframe/internal/shm"
	"github.com/srediag/shmframe/pkg/frame"
)

// storeLockFree claims the slot by moving the sequence from even to odd,
// writes it with plain stores and publishes by making the sequence even.
// The claim is a CAS so that a second producer serialises instead of
// interleaving; a single producer always wins it on the first try.
func (h *Handle) storeLockFree(mem []byte, number uint64, timestamp int64, payload []byte) error {
	seq := h.layout.SequenceWord(mem)
	var cur uint64
	for attempt := 1; ; attempt++ {
		cur = internalshm.AtomicLoadUint64(seq)
		if cur&1 == 0 && internalshm.AtomicCompareAndSwapUint64(seq, cur, cur+1) {
			break
		}
		if attempt >= h.opts.MaxRetries {
			h.log.Debugf("%s: slot busy at sequence %d", h.opts.Name, cur)
			return h.reject(fmt.Errorf("%w: sequence %d", ErrSlotBusy, cur))
		}
		runtime.Gosched()
	}

	h.layout.WriteHeader(mem, number, timestamp)
	copy(h.layout.Payload(mem), payload)
	internalshm.AtomicAddUint64(seq, 1)
	return nil
}

// loadLockFree copies the slot until a copy is bracketed by two equal, even
// sequence reads, for at most MaxRetries attempts.
func (h *Handle) loadLockFree(ctx context.Context, mem []byte, buf []byte) (frame.Frame, error) {
	seq := h.layout.SequenceWord(mem)
	var f frame.Frame
	attempts := 0

	op := func() error {
		attempts++
		if h.closed.Load() {
			return backoff.Permanent(ErrClosed)
		}
		s0 := internalshm.AtomicLoadUint64(seq)
		if s0 == 0 {
			return backoff.Permanent(ErrNoFrame)
		}
		if s0&1 == 1 {
			return errWriting
		}
		hdr := h.layout.ReadHeader(mem)
		copy(buf, h.layout.Payload(mem))
		if s1 := internalshm.AtomicLoadUint64Fenced(seq); s1 != s0 {
			return errTorn
		}
		f = frame.Frame{
			Number:    hdr.FrameNumber,
			Timestamp: hdr.Timestamp,
			Sequence:  s0,
			Payload:   buf,
		}
		return nil
	}
	notify := func(err error, _ time.Duration) {
		h.stats.retries.Add(1)
		h.prom.retries.Inc()
		h.inst.retries.Add(ctx, 1, h.inst.attrs)
		if errors.Is(err, errTorn) {
			h.stats.torn.Add(1)
			h.prom.torn.Inc()
		}
	}

	err := backoff.RetryNotify(op, h.retryPolicy(ctx), notify)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, errTorn), errors.Is(err, errWriting):
		h.stats.stale.Add(1)
		h.prom.stale.Inc()
		h.log.Debugf("%s: stale read after %d attempts (%v)", h.opts.Name, attempts, err)
		return frame.Frame{}, fmt.Errorf("%w: %d attempts", ErrStaleRead, attempts)
	default:
		return frame.Frame{}, h.waitErr(ctx, err)
	}
}

// retryPolicy allows MaxRetries attempts in total. With no RetryInterval the
// attempts follow each other immediately.
func (h *Handle) retryPolicy(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if h.opts.RetryInterval > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = h.opts.RetryInterval
		eb.MaxInterval = 16 * h.opts.RetryInterval
		eb.RandomizationFactor = 0.2
		eb.MaxElapsedTime = 0
		b = eb
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.opts.MaxRetries-1)), ctx)
}
