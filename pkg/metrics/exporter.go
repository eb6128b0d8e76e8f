package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmframe/internal/logger"
)

var log = logger.New("metrics", nil)

func init() {
	prometheus.MustRegister(FramesStored, FramesLoaded, LoadRetries, TornReads, StaleReads)
	prometheus.MustRegister(Timeouts, StoresRejected, DeliveryLatency, AttachedChannels, WatchDropped)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer serves /metrics on addr in the background. The returned
// server can be shut down by the caller.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("prometheus exporter listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server failed: %v", err)
		}
	}()
	return srv
}
