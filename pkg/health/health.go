// Package health exposes liveness and readiness probes for a process that
// holds a frame channel.
package health

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmframe/internal/logger"
	"github.com/srediag/shmframe/pkg/channel"
)

var (
	ErrDetached = errors.New("channel detached")
	ErrNoFrames = errors.New("no frame moved yet")
	ErrStale    = errors.New("last frame too old")
)

// DefaultMaxFrameAge is the readiness threshold when none is configured.
const DefaultMaxFrameAge = 2 * time.Second

var log = logger.New("health", nil)

// Source reports channel activity; *channel.Handle satisfies it.
type Source interface {
	Stats() channel.Stats
}

// Options configures NewHandler.
type Options struct {
	// MaxFrameAge is how long the channel may stay idle and still be ready.
	MaxFrameAge time.Duration
	// MaxGoroutines fails liveness above this count. Zero disables the check.
	MaxGoroutines int
	// Registerer, when set, exports every check as a Prometheus gauge.
	Registerer prometheus.Registerer
	Namespace  string
}

// NewHandler returns a healthcheck handler serving /live and /ready.
func NewHandler(src Source, opts Options) healthcheck.Handler {
	if opts.MaxFrameAge <= 0 {
		opts.MaxFrameAge = DefaultMaxFrameAge
	}
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("channel-attached", Attached(src))
	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	h.AddReadinessCheck("frame-fresh", FrameFresh(src, opts.MaxFrameAge))
	return h
}

// Attached fails once the channel handle has been closed.
func Attached(src Source) healthcheck.Check {
	return func() error {
		if st := src.Stats(); st.Closed {
			return fmt.Errorf("%w: %s", ErrDetached, st.Name)
		}
		return nil
	}
}

// FrameFresh fails until the handle has moved a frame, and whenever the last
// one is older than maxAge.
func FrameFresh(src Source, maxAge time.Duration) healthcheck.Check {
	return func() error {
		st := src.Stats()
		if st.LastActivity.IsZero() {
			return fmt.Errorf("%w: %s", ErrNoFrames, st.Name)
		}
		if age := time.Since(st.LastActivity); age > maxAge {
			return fmt.Errorf("%w: %s idle for %s", ErrStale, st.Name, age.Round(time.Millisecond))
		}
		return nil
	}
}

// Serve runs h on addr in the background.
func Serve(addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("health endpoints listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("health server failed: %v", err)
		}
	}()
	return srv
}
