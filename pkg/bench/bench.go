// Package bench measures producer to consumer delivery latency over a frame
// channel, with both ends in one process but on separate mappings.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shmframe/internal/logger"
	"github.com/srediag/shmframe/pkg/channel"
	"github.com/srediag/shmframe/pkg/frame"
	"github.com/srediag/shmframe/pkg/shm"
)

var log = logger.New("bench", nil)

// Options configures Run.
type Options struct {
	Name    string
	Variant channel.Variant
	Shape   frame.Shape
	// Frames is the number of frames the producer stores.
	Frames int
	// Interval paces the producer. Zero stores back to back.
	Interval time.Duration
	// Dir backs the segment; empty uses /dev/shm.
	Dir        string
	Timeout    time.Duration
	MaxRetries int
	// Destroy removes the segment after the run.
	Destroy bool
}

func (o *Options) normalize() {
	if o.Name == "" {
		o.Name = "shmframe-bench-" + uuid.NewString()
	}
	if o.Shape == (frame.Shape{}) {
		o.Shape = frame.Shape4KRGB
	}
	if o.Frames <= 0 {
		o.Frames = 100
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
}

// Result summarises a run. Latencies are measured from the producer
// timestamp to the end of the consumer copy.
type Result struct {
	Variant channel.Variant
	Shape   frame.Shape

	Stored     uint64
	Loaded     uint64
	Dropped    uint64 // stored frames the consumer never saw
	Corrupt    uint64 // loaded frames whose payload did not match the header
	StaleReads uint64
	Timeouts   uint64

	Min, Mean, P50, P99, Max time.Duration
	Elapsed                  time.Duration
}

// Run stores Frames frames and loads them concurrently.
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts.normalize()
	mgr := func() *shm.Manager {
		if opts.Dir == "" {
			return shm.NewManager()
		}
		return shm.NewManager(shm.WithDir(opts.Dir))
	}

	open := func(role channel.Role) (*channel.Handle, error) {
		o := channel.DefaultOptions(opts.Name, role)
		o.Variant = opts.Variant
		o.Shape = opts.Shape
		o.Timeout = opts.Timeout
		o.MaxRetries = opts.MaxRetries
		o.Manager = mgr()
		return channel.Open(ctx, o)
	}
	producer, err := open(channel.RoleProducer)
	if err != nil {
		return nil, err
	}
	if opts.Destroy {
		defer func() {
			if err := mgr().Destroy(context.Background(), opts.Name); err != nil {
				log.Warnf("destroy %s: %v", opts.Name, err)
			}
		}()
	}
	defer producer.Close()
	consumer, err := open(channel.RoleConsumer)
	if err != nil {
		return nil, err
	}
	defer consumer.Close()

	samples := queue.NewRingBuffer(uint64(opts.Frames))
	var produced atomic.Bool
	var consumed atomic.Bool
	res := &Result{Variant: opts.Variant, Shape: opts.Shape}
	var latencies []time.Duration

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer produced.Store(true)
		return produce(gctx, producer, opts)
	})
	g.Go(func() error {
		defer consumed.Store(true)
		return consume(gctx, consumer, opts, &produced, samples, res)
	})
	g.Go(func() error {
		for {
			v, err := samples.Poll(10 * time.Millisecond)
			switch {
			case err == nil:
				latencies = append(latencies, v.(time.Duration))
			case errors.Is(err, queue.ErrTimeout):
				if consumed.Load() && samples.Len() == 0 {
					return nil
				}
			default:
				return err
			}
		}
	})
	err = g.Wait()
	samples.Dispose()
	if err != nil {
		return nil, err
	}

	res.Elapsed = time.Since(start)
	res.Stored = producer.Stats().Stored
	cs := consumer.Stats()
	res.StaleReads = cs.StaleReads
	res.Timeouts = cs.Timeouts
	if res.Stored > res.Loaded {
		res.Dropped = res.Stored - res.Loaded
	}
	summarize(res, latencies)
	return res, nil
}

func produce(ctx context.Context, p *channel.Handle, opts Options) error {
	payload := make([]byte, opts.Shape.PayloadSize())
	for n := 1; n <= opts.Frames; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		stamp(payload, byte(n))
		if err := p.Store(ctx, uint64(n), frame.Now(), payload); err != nil {
			return fmt.Errorf("store frame %d: %w", n, err)
		}
		if opts.Interval > 0 {
			time.Sleep(opts.Interval)
		}
	}
	return nil
}

func consume(ctx context.Context, c *channel.Handle, opts Options, produced *atomic.Bool,
	samples *queue.RingBuffer, res *Result) error {
	buf := make([]byte, opts.Shape.PayloadSize())
	var lastSeq uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Variant() == channel.VariantLockFree {
			if cur, err := c.Published(); err == nil && cur == lastSeq {
				if produced.Load() {
					return nil
				}
				runtime.Gosched()
				continue
			}
		}
		f, err := c.LoadInto(ctx, buf)
		switch {
		case err == nil:
		case errors.Is(err, channel.ErrNoFrame), errors.Is(err, channel.ErrStaleRead):
			continue
		case errors.Is(err, channel.ErrTimeout):
			if produced.Load() {
				return nil
			}
			continue
		default:
			return err
		}
		lastSeq = f.Sequence
		latency := f.Latency()
		res.Loaded++
		if !stamped(f.Payload, byte(f.Number)) {
			res.Corrupt++
		}
		if ok, err := samples.Offer(latency); err != nil || !ok {
			log.Debugf("latency sample dropped (%v)", err)
		}
		if f.Number == uint64(opts.Frames) {
			return nil
		}
	}
}

// stamp marks the first and last byte of payload; a full fill would dominate
// the measurement for large frames.
func stamp(payload []byte, b byte) {
	payload[0] = b
	payload[len(payload)-1] = b
}

func stamped(payload []byte, b byte) bool {
	return payload[0] == b && payload[len(payload)-1] == b
}

func summarize(res *Result, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.Min = latencies[0]
	res.Max = latencies[len(latencies)-1]
	res.Mean = sum / time.Duration(len(latencies))
	res.P50 = percentile(latencies, 0.50)
	res.P99 = percentile(latencies, 0.99)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Print writes a two-line summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "%s %s: stored=%d loaded=%d dropped=%d corrupt=%d stale=%d timeouts=%d elapsed=%s\n",
		r.Variant, r.Shape, r.Stored, r.Loaded, r.Dropped, r.Corrupt, r.StaleReads, r.Timeouts, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "latency min=%s mean=%s p50=%s p99=%s max=%s\n", r.Min, r.Mean, r.P50, r.P99, r.Max)
}
