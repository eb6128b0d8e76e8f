//go:build linux

package channel

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmframe/pkg/frame"
	"github.com/srediag/shmframe/pkg/shm"
)

var shape4x4 = frame.Shape{Width: 4, Height: 4, Channels: 1}

func fill(shape frame.Shape, b byte) []byte {
	return bytes.Repeat([]byte{b}, shape.PayloadSize())
}

func uniform(p []byte) bool {
	for _, b := range p {
		if b != p[0] {
			return false
		}
	}
	return true
}

// ChannelSuite runs the variant-independent contract against one variant.
// Producer and consumer map the segment through separate managers, as two
// processes would.
type ChannelSuite struct {
	suite.Suite
	variant Variant
	dir     string
	name    string
}

func TestBlockingChannelSuite(t *testing.T) {
	suite.Run(t, &ChannelSuite{variant: VariantBlocking})
}

func TestLockFreeChannelSuite(t *testing.T) {
	suite.Run(t, &ChannelSuite{variant: VariantLockFree})
}

func (s *ChannelSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.name = "chan-" + uuid.NewString()
}

func (s *ChannelSuite) options(role Role, shape frame.Shape) Options {
	opts := DefaultOptions(s.name, role)
	opts.Variant = s.variant
	opts.Shape = shape
	opts.Manager = shm.NewManager(shm.WithDir(s.dir))
	opts.Timeout = 2 * time.Second
	return opts
}

func (s *ChannelSuite) open(role Role, shape frame.Shape) *Handle {
	h, err := Open(context.Background(), s.options(role, shape))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = h.Close() })
	return h
}

func (s *ChannelSuite) TestRoundTrip() {
	ctx := context.Background()
	shape := frame.Shape{Width: 64, Height: 48, Channels: 3}
	p := s.open(RoleProducer, shape)
	c := s.open(RoleConsumer, shape)

	payload := make([]byte, shape.PayloadSize())
	for i := range payload {
		payload[i] = byte(i*31 + 7)
	}
	s.Require().NoError(p.Store(ctx, 42, 123456789, payload))

	f, err := c.Load(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(42), f.Number)
	s.Equal(int64(123456789), f.Timestamp)
	s.Equal(payload, f.Payload)

	payload[0] ^= 0xff
	s.NotEqual(payload[0], f.Payload[0], "frame must not alias the caller's buffer")
}

func (s *ChannelSuite) TestConcreteScenario() {
	ctx := context.Background()
	p := s.open(RoleProducer, shape4x4)
	c := s.open(RoleConsumer, shape4x4)

	s.Require().NoError(p.Store(ctx, 0, 1000, fill(shape4x4, 1)))
	f, err := c.Load(ctx)
	s.Require().NoError(err)
	s.Equal(frame.Frame{Number: 0, Timestamp: 1000, Sequence: f.Sequence, Payload: fill(shape4x4, 1)}, f)

	s.Require().NoError(p.Store(ctx, 1, 2000, fill(shape4x4, 2)))
	f, err = c.Load(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(1), f.Number)
	s.Equal(int64(2000), f.Timestamp)
	s.Equal(fill(shape4x4, 2), f.Payload)
}

func (s *ChannelSuite) TestLoadIntoReusesBuffer() {
	ctx := context.Background()
	p := s.open(RoleProducer, shape4x4)
	c := s.open(RoleConsumer, shape4x4)
	s.Require().NoError(p.Store(ctx, 3, 30, fill(shape4x4, 3)))

	buf := make([]byte, 0, 64)
	f, err := c.LoadInto(ctx, buf)
	s.Require().NoError(err)
	s.Len(f.Payload, 16)
	s.Same(&buf[:1][0], &f.Payload[0])
	s.Equal(fill(shape4x4, 3), f.Payload)
}

func (s *ChannelSuite) TestShapeMismatchRejectedBeforeWrite() {
	ctx := context.Background()
	p := s.open(RoleProducer, shape4x4)

	for _, n := range []int{0, 15, 17} {
		err := p.Store(ctx, 9, 9, make([]byte, n))
		s.ErrorIs(err, ErrShapeMismatch)
	}
	pub, err := p.Published()
	s.Require().NoError(err)
	s.Zero(pub, "rejected stores must not touch the slot")
	s.Equal(uint64(3), p.Stats().Rejected)
	s.Zero(p.Stats().Stored)
}

func (s *ChannelSuite) TestWrongRole() {
	ctx := context.Background()
	p := s.open(RoleProducer, shape4x4)
	c := s.open(RoleConsumer, shape4x4)

	_, err := p.Load(ctx)
	s.ErrorIs(err, ErrWrongRole)
	s.ErrorIs(c.Store(ctx, 1, 1, fill(shape4x4, 1)), ErrWrongRole)
}

func (s *ChannelSuite) TestSizeMismatchOnOpen() {
	p := s.open(RoleProducer, shape4x4)

	_, err := Open(context.Background(), s.options(RoleConsumer, frame.Shape{Width: 8, Height: 8, Channels: 1}))
	s.ErrorIs(err, ErrSizeMismatch)

	// The existing segment is untouched.
	s.Require().NoError(p.Store(context.Background(), 5, 50, fill(shape4x4, 5)))
	c := s.open(RoleConsumer, shape4x4)
	f, err := c.Load(context.Background())
	s.Require().NoError(err)
	s.Equal(uint64(5), f.Number)
}

func (s *ChannelSuite) TestAttachModeRequiresSegment() {
	opts := s.options(RoleConsumer, shape4x4)
	opts.Mode = shm.ModeAttach
	_, err := Open(context.Background(), opts)
	s.ErrorIs(err, ErrNotFound)
}

func (s *ChannelSuite) TestCloseIdempotent() {
	ctx := context.Background()
	p := s.open(RoleProducer, shape4x4)
	c := s.open(RoleConsumer, shape4x4)

	s.NoError(p.Close())
	s.NoError(p.Close())
	s.NoError(c.Close())
	s.NoError(c.Close())
	s.True(c.Stats().Closed)

	s.ErrorIs(p.Store(ctx, 1, 1, fill(shape4x4, 1)), ErrClosed)
	_, err := c.Load(ctx)
	s.ErrorIs(err, ErrClosed)
	_, err = c.Published()
	s.ErrorIs(err, ErrClosed)
}

func (s *ChannelSuite) TestStats() {
	ctx := context.Background()
	p := s.open(RoleProducer, shape4x4)
	c := s.open(RoleConsumer, shape4x4)

	ts := frame.Now()
	s.Require().NoError(p.Store(ctx, 11, ts, fill(shape4x4, 11)))
	_, err := c.Load(ctx)
	s.Require().NoError(err)

	ps, cs := p.Stats(), c.Stats()
	s.Equal(uint64(1), ps.Stored)
	s.Equal(uint64(11), ps.LastFrameNumber)
	s.Equal(uint64(1), cs.Loaded)
	s.Equal(ts, cs.LastTimestamp)
	s.False(cs.LastActivity.IsZero())
	s.GreaterOrEqual(cs.LastLatency, time.Duration(0))
	s.Equal(s.variant, cs.Variant)
	s.Equal(RoleConsumer, cs.Role)
}

func (s *ChannelSuite) TestInspect() {
	ctx := context.Background()
	p := s.open(RoleProducer, shape4x4)
	s.Require().NoError(p.Store(ctx, 17, 1700, fill(shape4x4, 1)))

	d, err := InspectSegment(p.Segment().Path(), s.variant, shape4x4)
	s.Require().NoError(err)
	s.Equal(uint64(17), d.FrameNumber)
	s.Equal(int64(1700), d.Timestamp)
	if s.variant == VariantLockFree {
		s.Equal(uint64(2), d.Sequence)
	} else {
		s.Equal(uint64(1), d.Generation)
		s.Equal(uint32(0), d.MutexState)
	}

	var out bytes.Buffer
	s.Require().NoError(DebugSegmentDetail(&out, p.Segment().Path(), s.variant, shape4x4))
	s.Contains(out.String(), "frame_number:17")
	s.Contains(out.String(), "variant:"+s.variant.String())

	_, err = InspectSegment(p.Segment().Path(), s.variant, frame.Shape{Width: 2, Height: 2, Channels: 1})
	s.ErrorIs(err, ErrSizeMismatch)
	_, err = InspectSegment(p.Segment().Path()+"-missing", s.variant, shape4x4)
	s.ErrorIs(err, ErrNotFound)
}

func blockingPair(t testing.TB, shape frame.Shape, tune func(*Options)) (*Handle, *Handle) {
	t.Helper()
	dir := t.TempDir()
	name := "blk-" + uuid.NewString()
	open := func(role Role) *Handle {
		opts := DefaultOptions(name, role)
		opts.Shape = shape
		opts.Manager = shm.NewManager(shm.WithDir(dir))
		if tune != nil {
			tune(&opts)
		}
		h, err := Open(context.Background(), opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.Close() })
		return h
	}
	return open(RoleProducer), open(RoleConsumer)
}

func TestBlocking_LoadBeforeStoreWaits(t *testing.T) {
	p, c := blockingPair(t, shape4x4, nil)

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	done := make(chan frame.Frame, 1)
	go func() {
		record("load-start")
		f, err := c.Load(context.Background())
		assert.NoError(t, err)
		record("load-done")
		done <- f
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("load returned before any store")
	default:
	}
	record("store")
	require.NoError(t, p.Store(context.Background(), 0, 1000, fill(shape4x4, 1)))

	select {
	case f := <-done:
		assert.Equal(t, uint64(0), f.Number)
		assert.Equal(t, int64(1000), f.Timestamp)
		assert.Equal(t, fill(shape4x4, 1), f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("load not woken by store")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"load-start", "store", "load-done"}, events)
}

func TestBlocking_NeverReturnsSameFrameTwice(t *testing.T) {
	p, c := blockingPair(t, shape4x4, func(o *Options) { o.Timeout = 30 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, p.Store(ctx, 1, 1, fill(shape4x4, 1)))
	f, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Number)

	_, err = c.Load(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), c.Stats().Timeouts)

	// A reused frame number is still a new frame.
	require.NoError(t, p.Store(ctx, 1, 2, fill(shape4x4, 9)))
	f, err = c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.Timestamp)
	assert.Equal(t, fill(shape4x4, 9), f.Payload)
}

func TestBlocking_ContextDeadlineAndCancel(t *testing.T) {
	_, c := blockingPair(t, shape4x4, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Load(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err = c.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestBlocking_CloseUnblocksPendingLoad(t *testing.T) {
	_, c := blockingPair(t, shape4x4, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background())
		errc <- err
	}()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending load survived close")
	}
	assert.True(t, c.Segment().Detached())
}

func TestBlocking_WakeAllReachesEveryConsumer(t *testing.T) {
	p, c1 := blockingPair(t, shape4x4, func(o *Options) { o.WakeAll = true })
	opts := DefaultOptions(c1.Name(), RoleConsumer)
	opts.Shape = shape4x4
	opts.Manager = shm.NewManager(shm.WithDir(filepathDir(c1)))
	c2, err := Open(context.Background(), opts)
	require.NoError(t, err)
	defer c2.Close()

	var wg sync.WaitGroup
	got := make([]uint64, 2)
	for i, c := range []*Handle{c1, c2} {
		wg.Add(1)
		go func(i int, c *Handle) {
			defer wg.Done()
			f, err := c.Load(context.Background())
			if assert.NoError(t, err) {
				got[i] = f.Number
			}
		}(i, c)
	}
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Store(context.Background(), 77, 1, fill(shape4x4, 7)))
	wg.Wait()
	assert.Equal(t, []uint64{77, 77}, got)
}

func TestBlocking_ConcurrentProducersSerialise(t *testing.T) {
	shape := frame.Shape{Width: 128, Height: 128, Channels: 1}
	p1, c := blockingPair(t, shape, nil)
	opts := DefaultOptions(c.Name(), RoleProducer)
	opts.Shape = shape
	opts.Manager = shm.NewManager(shm.WithDir(filepathDir(c)))
	p2, err := Open(context.Background(), opts)
	require.NoError(t, err)
	defer p2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	for i, p := range []*Handle{p1, p2} {
		wg.Add(1)
		go func(base uint64, p *Handle) {
			defer wg.Done()
			for n := base; ctx.Err() == nil; n += 2 {
				if err := p.Store(ctx, n, frame.Now(), fill(shape, byte(n))); err != nil {
					return
				}
			}
		}(uint64(i), p)
	}

	for ctx.Err() == nil {
		f, err := c.Load(ctx)
		if err != nil {
			break
		}
		require.True(t, uniform(f.Payload), "mixed payload")
		require.Equal(t, byte(f.Number), f.Payload[0], "header and payload from different stores")
	}
	wg.Wait()
}

func filepathDir(h *Handle) string {
	return h.opts.Manager.Dir()
}

func lockFreePair(t testing.TB, shape frame.Shape, tune func(*Options)) (*Handle, *Handle) {
	t.Helper()
	dir := t.TempDir()
	name := "lf-" + uuid.NewString()
	open := func(role Role) *Handle {
		opts := DefaultOptions(name, role)
		opts.Variant = VariantLockFree
		opts.Shape = shape
		opts.Manager = shm.NewManager(shm.WithDir(dir))
		if tune != nil {
			tune(&opts)
		}
		h, err := Open(context.Background(), opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.Close() })
		return h
	}
	return open(RoleProducer), open(RoleConsumer)
}

func TestLockFree_NoFrameBeforeFirstStore(t *testing.T) {
	_, c := lockFreePair(t, shape4x4, nil)
	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Zero(t, c.Stats().Retries)
}

func TestLockFree_FirstAttemptWithoutConcurrentStore(t *testing.T) {
	p, c := lockFreePair(t, shape4x4, nil)
	ctx := context.Background()

	for n := uint64(1); n <= 100; n++ {
		require.NoError(t, p.Store(ctx, n, int64(n), fill(shape4x4, byte(n))))
		f, err := c.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, n, f.Number)
		require.Equal(t, 2*n, f.Sequence)
	}
	assert.Zero(t, c.Stats().Retries)
	assert.Zero(t, c.Stats().TornReads)
}

func TestLockFree_LoadRepeatsLatestFrame(t *testing.T) {
	p, c := lockFreePair(t, shape4x4, nil)
	ctx := context.Background()
	require.NoError(t, p.Store(ctx, 1, 10, fill(shape4x4, 1)))

	a, err := c.Load(ctx)
	require.NoError(t, err)
	b, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// stickSequence leaves the slot looking like a store that never finished.
func stickSequence(t *testing.T, h *Handle) {
	t.Helper()
	mem, err := h.Segment().Acquire()
	require.NoError(t, err)
	defer h.Segment().Release()
	*h.Layout().SequenceWord(mem) = 7
}

func TestLockFree_StaleReadWhenWriterStuck(t *testing.T) {
	p, c := lockFreePair(t, shape4x4, func(o *Options) { o.MaxRetries = 5 })
	require.NoError(t, p.Store(context.Background(), 1, 1, fill(shape4x4, 1)))
	stickSequence(t, p)

	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, ErrStaleRead)
	st := c.Stats()
	assert.Equal(t, uint64(4), st.Retries)
	assert.Equal(t, uint64(1), st.StaleReads)
	assert.Zero(t, st.Loaded)
}

func TestLockFree_RetryIntervalPacesAttempts(t *testing.T) {
	p, c := lockFreePair(t, shape4x4, func(o *Options) {
		o.MaxRetries = 4
		o.RetryInterval = 5 * time.Millisecond
	})
	require.NoError(t, p.Store(context.Background(), 1, 1, fill(shape4x4, 1)))
	stickSequence(t, p)

	start := time.Now()
	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, ErrStaleRead)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestLockFree_SecondProducerGivesUpOnBusySlot(t *testing.T) {
	p, _ := lockFreePair(t, shape4x4, func(o *Options) { o.MaxRetries = 3 })
	stickSequence(t, p)

	err := p.Store(context.Background(), 2, 2, fill(shape4x4, 2))
	assert.ErrorIs(t, err, ErrSlotBusy)
	pub, err := p.Published()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), pub)
}

func TestLockFree_InspectReportsStuckWriter(t *testing.T) {
	p, c := lockFreePair(t, shape4x4, func(o *Options) { o.MaxRetries = 2 })
	require.NoError(t, p.Store(context.Background(), 1, 1, fill(shape4x4, 1)))
	stickSequence(t, p)

	assert.ErrorIs(t, p.Store(context.Background(), 2, 2, fill(shape4x4, 2)), ErrSlotBusy)
	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, ErrStaleRead)

	var out bytes.Buffer
	require.NoError(t, DebugSegmentDetail(&out, p.Segment().Path(), VariantLockFree, shape4x4))
	assert.Contains(t, out.String(), "sequence:7 (write in progress")
	assert.Contains(t, out.String(), "destroy and recreate the segment")
}

func TestLockFree_NeverReturnsTornFrame(t *testing.T) {
	shape := frame.Shape{Width: 256, Height: 256, Channels: 1}
	p, c := lockFreePair(t, shape, func(o *Options) { o.MaxRetries = 1000 })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	stored := make(chan uint64, 1)
	go func() {
		var n uint64
		for ctx.Err() == nil {
			n++
			if err := p.Store(ctx, n, frame.Now(), fill(shape, byte(n))); err != nil {
				t.Errorf("store: %v", err)
				return
			}
		}
		stored <- n
	}()

	buf := make([]byte, shape.PayloadSize())
	var ok, stale int
	var last uint64
	for ctx.Err() == nil {
		f, err := c.LoadInto(context.Background(), buf)
		switch {
		case errors.Is(err, ErrNoFrame), errors.Is(err, ErrStaleRead):
			stale++
			continue
		case err != nil:
			t.Fatalf("load: %v", err)
		}
		ok++
		require.True(t, uniform(f.Payload), "payload mixes two stores")
		require.Equal(t, byte(f.Number), f.Payload[0], "header and payload from different stores")
		require.Zero(t, f.Sequence&1)
		require.GreaterOrEqual(t, f.Number, last)
		last = f.Number
	}
	total := <-stored
	assert.Positive(t, ok)
	t.Logf("stores=%d loads=%d stale=%d retries=%d torn=%d", total, ok, stale, c.Stats().Retries, c.Stats().TornReads)
}

func TestLockFree_ConcurrentProducersStayConsistent(t *testing.T) {
	shape := frame.Shape{Width: 64, Height: 64, Channels: 1}
	p1, c := lockFreePair(t, shape, func(o *Options) { o.MaxRetries = 1 << 20 })
	opts := DefaultOptions(c.Name(), RoleProducer)
	opts.Variant = VariantLockFree
	opts.Shape = shape
	opts.MaxRetries = 1 << 20
	opts.Manager = shm.NewManager(shm.WithDir(filepathDir(c)))
	p2, err := Open(context.Background(), opts)
	require.NoError(t, err)
	defer p2.Close()

	const perProducer = 2000
	var wg sync.WaitGroup
	for i, p := range []*Handle{p1, p2} {
		wg.Add(1)
		go func(base uint64, p *Handle) {
			defer wg.Done()
			for k := uint64(0); k < perProducer; k++ {
				n := base + 2*k
				assert.NoError(t, p.Store(context.Background(), n, 0, fill(shape, byte(n))))
			}
		}(uint64(i), p)
	}
	wg.Wait()

	pub, err := c.Published()
	require.NoError(t, err)
	assert.Equal(t, uint64(2*2*perProducer), pub, "every store moved the sequence by exactly two")

	f, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, uniform(f.Payload))
	assert.Equal(t, byte(f.Number), f.Payload[0])
}

func TestVariantLayoutsDoNotAttachToEachOther(t *testing.T) {
	dir := t.TempDir()
	name := "mix-" + uuid.NewString()
	opts := DefaultOptions(name, RoleProducer)
	opts.Shape = shape4x4
	opts.Manager = shm.NewManager(shm.WithDir(dir))
	p, err := Open(context.Background(), opts)
	require.NoError(t, err)
	defer p.Close()

	opts = DefaultOptions(name, RoleConsumer)
	opts.Variant = VariantLockFree
	opts.Shape = shape4x4
	opts.Manager = shm.NewManager(shm.WithDir(dir))
	_, err = Open(context.Background(), opts)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}
