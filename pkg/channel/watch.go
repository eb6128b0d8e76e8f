package channel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmframe/pkg/frame"
)

// Handler receives frames delivered by Watch. The frame is owned by the
// handler.
type Handler func(frame.Frame)

// WatchOptions tunes Watch.
type WatchOptions struct {
	// PollInterval is the pause between lock-free loads that found no new
	// frame. Blocking channels sleep in Load instead.
	PollInterval time.Duration
	// DrainTimeout bounds the wait for a running handler on return.
	DrainTimeout time.Duration
}

func (o *WatchOptions) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
}

// WatchStats summarises a Watch run.
type WatchStats struct {
	Delivered uint64
	// Dropped counts new frames that arrived while the handler was busy.
	Dropped    uint64
	StaleReads uint64
	Timeouts   uint64
}

// Watch loads new frames from a consumer handle until ctx ends or the handle
// is closed, and hands each one to fn on a single worker goroutine. A frame
// that arrives while fn is still running is dropped, never queued, so fn
// always sees the freshest frame available when it becomes idle.
//
// Watch returns nil when the handle is closed and ctx.Err() when ctx ends.
func Watch(ctx context.Context, h *Handle, fn Handler, opts WatchOptions) (stats WatchStats, err error) {
	opts.normalize()
	if h.Role() != RoleConsumer {
		return stats, fmt.Errorf("%w: watch on %s", ErrWrongRole, h.Role())
	}

	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	if err != nil {
		return stats, err
	}
	var delivered atomic.Uint64
	defer func() {
		if rerr := pool.ReleaseTimeout(opts.DrainTimeout); rerr != nil {
			h.log.Warnf("%s: watch handler still running on return: %v", h.Name(), rerr)
		}
		stats.Delivered = delivered.Load()
	}()

	var lastSeq uint64
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if h.Variant() == VariantLockFree {
			if cur, err := h.Published(); err == nil && cur == lastSeq {
				pause(ctx, opts.PollInterval)
				continue
			}
		}
		f, err := h.Load(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed):
			return stats, nil
		case errors.Is(err, ErrTimeout):
			stats.Timeouts++
			continue
		case errors.Is(err, ErrStaleRead):
			stats.StaleReads++
			continue
		case errors.Is(err, ErrNoFrame):
			pause(ctx, opts.PollInterval)
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			continue
		default:
			return stats, err
		}

		if h.Variant() == VariantLockFree && f.Sequence == lastSeq {
			pause(ctx, opts.PollInterval)
			continue
		}
		lastSeq = f.Sequence

		err = pool.Submit(func() {
			fn(f)
			delivered.Add(1)
		})
		if errors.Is(err, ants.ErrPoolOverload) {
			stats.Dropped++
			h.prom.dropped.Inc()
			h.log.Tracef("%s: dropped frame %d, handler busy", h.Name(), f.Number)
		} else if err != nil {
			return stats, err
		}
	}
}

// pause sleeps for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
