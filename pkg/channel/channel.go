package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmframe/internal/logger"
	internalshm "github.com/srediag/shmframe/internal/shm"
	"github.com/srediag/shmframe/pkg/frame"
	"github.com/srediag/shmframe/pkg/metrics"
	"github.com/srediag/shmframe/pkg/shm"
)

const instrumentationName = "github.com/srediag/shmframe/pkg/channel"

// Channel is the capability set shared by both protocol variants.
type Channel interface {
	// Store publishes one frame. payload must be exactly Shape().PayloadSize() bytes.
	Store(ctx context.Context, number uint64, timestamp int64, payload []byte) error
	// Load returns a copy of the latest complete frame.
	Load(ctx context.Context) (frame.Frame, error)
	// LoadInto is Load copying the payload into buf when it is large enough.
	LoadInto(ctx context.Context, buf []byte) (frame.Frame, error)
	// Close detaches this handle. It never destroys the segment.
	Close() error

	Name() string
	Role() Role
	Variant() Variant
	Shape() frame.Shape
	Stats() Stats
}

var _ Channel = (*Handle)(nil)

// Handle is one process-local endpoint of a channel. It is safe for
// concurrent use.
type Handle struct {
	opts   Options
	layout frame.Layout
	seg    *shm.Segment
	log    *logger.Logger
	inst   *instruments
	prom   promSet

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// lastGen is the blocking consumer's last observed store generation.
	lastGen atomic.Uint64

	stats counters
}

// Open maps the named segment sized for opts.Shape and opts.Variant and
// returns a handle playing opts.Role.
func Open(ctx context.Context, opts Options) (h *Handle, err error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	layout, err := frame.NewLayout(opts.Shape, opts.Variant == VariantLockFree)
	if err != nil {
		return nil, err
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	ctx, span := tracer.Start(ctx, "channel.Open", trace.WithAttributes(
		attribute.String("channel.name", opts.Name),
		attribute.String("channel.role", opts.Role.String()),
		attribute.String("channel.variant", opts.Variant.String()),
		attribute.String("channel.shape", opts.Shape.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	inst, err := newInstruments(opts)
	if err != nil {
		return nil, fmt.Errorf("channel instruments: %w", err)
	}
	seg, err := opts.Manager.Open(ctx, shm.OpenOptions{
		Name: opts.Name,
		Size: layout.Size(),
		Mode: opts.Mode,
	})
	if err != nil {
		return nil, err
	}

	h = &Handle{
		opts:   opts,
		layout: layout,
		seg:    seg,
		log:    opts.Logger,
		inst:   inst,
		prom:   newPromSet(opts.Name, opts.Variant),
	}
	metrics.AttachedChannels.WithLabelValues(opts.Variant.String(), opts.Role.String()).Inc()
	h.log.Infof("opened %s %s channel %s shape=%s size=%d created=%t",
		opts.Variant, opts.Role, opts.Name, opts.Shape, layout.Size(), seg.Created())
	return h, nil
}

func (h *Handle) Name() string       { return h.opts.Name }
func (h *Handle) Role() Role         { return h.opts.Role }
func (h *Handle) Variant() Variant   { return h.opts.Variant }
func (h *Handle) Shape() frame.Shape { return h.opts.Shape }

// Layout returns the slot layout of the segment.
func (h *Handle) Layout() frame.Layout { return h.layout }

// Segment returns the underlying segment handle.
func (h *Handle) Segment() *shm.Segment { return h.seg }

// Published returns the slot's publication counter without copying the
// frame: the seqlock sequence for lock-free channels (odd while a store is in
// progress), the number of completed stores for blocking channels.
func (h *Handle) Published() (uint64, error) {
	mem, err := h.seg.Acquire()
	if err != nil {
		return 0, ErrClosed
	}
	defer h.seg.Release()
	if h.opts.Variant == VariantLockFree {
		return internalshm.AtomicLoadUint64(h.layout.SequenceWord(mem)), nil
	}
	return internalshm.AtomicLoadUint64(newSyncBlock(h.layout, mem).gen), nil
}

// Store publishes one frame. The payload is validated before shared memory
// is touched; a wrongly sized payload fails with ErrShapeMismatch.
func (h *Handle) Store(ctx context.Context, number uint64, timestamp int64, payload []byte) error {
	if h.opts.Role != RoleProducer {
		return h.reject(fmt.Errorf("%w: store on %s", ErrWrongRole, h.opts.Role))
	}
	if len(payload) != h.layout.PayloadSize() {
		return h.reject(fmt.Errorf("%w: got %d bytes, want %d (%s)",
			ErrShapeMismatch, len(payload), h.layout.PayloadSize(), h.opts.Shape))
	}
	if h.closed.Load() {
		return ErrClosed
	}
	mem, err := h.seg.Acquire()
	if err != nil {
		return ErrClosed
	}
	defer h.seg.Release()

	switch h.opts.Variant {
	case VariantLockFree:
		err = h.storeLockFree(mem, number, timestamp, payload)
	default:
		err = h.storeBlocking(ctx, mem, number, timestamp, payload)
	}
	if err != nil {
		return err
	}
	h.stats.stored.Add(1)
	h.stats.lastNumber.Store(number)
	h.stats.lastTimestamp.Store(timestamp)
	h.stats.lastAt.Store(time.Now().UnixNano())
	h.prom.stored.Inc()
	h.inst.stored.Add(ctx, 1, h.inst.attrs)
	return nil
}

// Load returns a freshly allocated copy of the latest frame.
func (h *Handle) Load(ctx context.Context) (frame.Frame, error) {
	return h.LoadInto(ctx, nil)
}

// LoadInto copies the payload into buf when cap(buf) suffices, otherwise
// into a new slice. The returned Frame's Payload aliases buf in the first
// case, so buf must not be reused while the frame is in use.
func (h *Handle) LoadInto(ctx context.Context, buf []byte) (frame.Frame, error) {
	if h.opts.Role != RoleConsumer {
		return frame.Frame{}, fmt.Errorf("%w: load on %s", ErrWrongRole, h.opts.Role)
	}
	if h.closed.Load() {
		return frame.Frame{}, ErrClosed
	}
	if cap(buf) >= h.layout.PayloadSize() {
		buf = buf[:h.layout.PayloadSize()]
	} else {
		buf = make([]byte, h.layout.PayloadSize())
	}

	mem, err := h.seg.Acquire()
	if err != nil {
		return frame.Frame{}, ErrClosed
	}
	var f frame.Frame
	switch h.opts.Variant {
	case VariantLockFree:
		f, err = h.loadLockFree(ctx, mem, buf)
	default:
		f, err = h.loadBlocking(ctx, mem, buf)
	}
	h.seg.Release()
	if err != nil {
		return frame.Frame{}, err
	}

	now := frame.Now()
	latency := f.Elapsed(now)
	h.stats.loaded.Add(1)
	h.stats.lastNumber.Store(f.Number)
	h.stats.lastTimestamp.Store(f.Timestamp)
	h.stats.lastAt.Store(now)
	h.stats.lastLatency.Store(int64(latency))
	h.prom.observeLoad(latency)
	h.inst.loaded.Add(ctx, 1, h.inst.attrs)
	h.inst.latency.Record(ctx, latency.Seconds(), h.inst.attrs)
	return f, nil
}

// Close marks the handle closed, wakes its pending loads (they return
// ErrClosed), waits for in-flight calls and detaches the segment. It is
// idempotent and never destroys the segment.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if h.opts.Variant == VariantBlocking {
			h.wakeLocalWaiters()
		}
		h.closeErr = h.seg.Detach()
		metrics.AttachedChannels.WithLabelValues(h.opts.Variant.String(), h.opts.Role.String()).Dec()
		if h.closeErr != nil {
			h.log.Warnf("close %s: %v", h.opts.Name, h.closeErr)
		} else {
			h.log.Infof("closed %s %s channel %s", h.opts.Variant, h.opts.Role, h.opts.Name)
		}
	})
	return h.closeErr
}

func (h *Handle) reject(err error) error {
	h.stats.rejected.Add(1)
	h.prom.rejected.Inc()
	return err
}

// deadline combines the context deadline with Options.Timeout.
func (h *Handle) deadline(ctx context.Context) time.Time {
	var d time.Time
	if h.opts.Timeout > 0 {
		d = time.Now().Add(h.opts.Timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// abortCheck reports why a wait should stop early.
func (h *Handle) abortCheck(ctx context.Context) func() error {
	return func() error {
		if h.closed.Load() {
			return ErrClosed
		}
		return ctx.Err()
	}
}

// waitErr maps low-level wait failures onto the channel's error set.
func (h *Handle) waitErr(ctx context.Context, err error) error {
	timedOut := errors.Is(err, errWaitTimeout) || errors.Is(err, context.DeadlineExceeded)
	if !timedOut {
		return err
	}
	h.stats.timeouts.Add(1)
	h.prom.timeouts.Inc()
	h.log.Debugf("%s: wait timed out", h.opts.Name)
	// ctx.Err may trail its deadline by a timer tick.
	if cd, ok := ctx.Deadline(); ok && !time.Now().Before(cd) {
		return fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
	}
	return ErrTimeout
}
