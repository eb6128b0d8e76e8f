package channel

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmframe/pkg/metrics"
)

// Stats is a snapshot of one handle's activity.
type Stats struct {
	Name    string
	Role    Role
	Variant Variant

	Stored     uint64
	Loaded     uint64
	Retries    uint64 // lock-free load attempts beyond the first
	TornReads  uint64
	StaleReads uint64
	Timeouts   uint64
	Rejected   uint64

	LastFrameNumber uint64
	LastTimestamp   int64
	// LastActivity is when this handle last stored or loaded a frame.
	LastActivity time.Time
	LastLatency  time.Duration
	Closed       bool
}

type counters struct {
	stored   atomic.Uint64
	loaded   atomic.Uint64
	retries  atomic.Uint64
	torn     atomic.Uint64
	stale    atomic.Uint64
	timeouts atomic.Uint64
	rejected atomic.Uint64

	lastNumber    atomic.Uint64
	lastTimestamp atomic.Int64
	lastAt        atomic.Int64
	lastLatency   atomic.Int64
}

// Stats returns a snapshot of the handle counters.
func (h *Handle) Stats() Stats {
	s := Stats{
		Name:            h.opts.Name,
		Role:            h.opts.Role,
		Variant:         h.opts.Variant,
		Stored:          h.stats.stored.Load(),
		Loaded:          h.stats.loaded.Load(),
		Retries:         h.stats.retries.Load(),
		TornReads:       h.stats.torn.Load(),
		StaleReads:      h.stats.stale.Load(),
		Timeouts:        h.stats.timeouts.Load(),
		Rejected:        h.stats.rejected.Load(),
		LastFrameNumber: h.stats.lastNumber.Load(),
		LastTimestamp:   h.stats.lastTimestamp.Load(),
		LastLatency:     time.Duration(h.stats.lastLatency.Load()),
		Closed:          h.closed.Load(),
	}
	if at := h.stats.lastAt.Load(); at != 0 {
		s.LastActivity = time.Unix(0, at)
	}
	return s
}

// promSet holds the label-bound Prometheus children of one channel.
type promSet struct {
	channel, variant string

	stored   prometheus.Counter
	retries  prometheus.Counter
	torn     prometheus.Counter
	stale    prometheus.Counter
	timeouts prometheus.Counter
	rejected prometheus.Counter
	dropped  prometheus.Counter
}

func newPromSet(name string, v Variant) promSet {
	variant := v.String()
	return promSet{
		channel:  name,
		variant:  variant,
		stored:   metrics.FramesStored.WithLabelValues(name, variant),
		retries:  metrics.LoadRetries.WithLabelValues(name, variant),
		torn:     metrics.TornReads.WithLabelValues(name, variant),
		stale:    metrics.StaleReads.WithLabelValues(name, variant),
		timeouts: metrics.Timeouts.WithLabelValues(name, variant),
		rejected: metrics.StoresRejected.WithLabelValues(name, variant),
		dropped:  metrics.WatchDropped.WithLabelValues(name, variant),
	}
}

func (p promSet) observeLoad(latency time.Duration) {
	metrics.ObserveLoad(p.channel, p.variant, latency.Seconds())
}
