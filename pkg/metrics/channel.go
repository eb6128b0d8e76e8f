package metrics

import "github.com/prometheus/client_golang/prometheus"

var channelLabels = []string{"channel", "variant"}

var (
	FramesStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmframe_frames_stored_total",
			Help: "Total number of frames published by producers",
		},
		channelLabels,
	)

	FramesLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmframe_frames_loaded_total",
			Help: "Total number of frames copied out by consumers",
		},
		channelLabels,
	)

	LoadRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmframe_load_retries_total",
			Help: "Total number of lock-free load attempts that had to be repeated",
		},
		channelLabels,
	)

	TornReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmframe_torn_reads_total",
			Help: "Total number of copies discarded because the slot changed mid-read",
		},
		channelLabels,
	)

	StaleReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmframe_stale_reads_total",
			Help: "Total number of lock-free loads that ran out of retries",
		},
		channelLabels,
	)

	Timeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmframe_timeouts_total",
			Help: "Total number of blocking waits that timed out",
		},
		channelLabels,
	)

	StoresRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmframe_stores_rejected_total",
			Help: "Total number of stores rejected before touching shared memory",
		},
		channelLabels,
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shmframe_delivery_latency_seconds",
			Help:    "Time from producer timestamp to consumer copy completion",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
		},
		channelLabels,
	)

	AttachedChannels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shmframe_attached_channels",
			Help: "Number of open channel handles in this process",
		},
		[]string{"variant", "role"},
	)

	WatchDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmframe_watch_dropped_total",
			Help: "Total number of frames dropped because the watch handler was busy",
		},
		channelLabels,
	)
)

// ObserveLoad records one successful load and its delivery latency.
func ObserveLoad(channel, variant string, latencySeconds float64) {
	FramesLoaded.WithLabelValues(channel, variant).Inc()
	if latencySeconds >= 0 {
		DeliveryLatency.WithLabelValues(channel, variant).Observe(latencySeconds)
	}
}
