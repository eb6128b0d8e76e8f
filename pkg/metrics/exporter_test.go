package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmframe/pkg/metrics"
)

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, o.(prometheus.Metric).Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestObserveLoad(t *testing.T) {
	loaded := metrics.FramesLoaded.WithLabelValues("cam-test", "lockfree")
	latency := metrics.DeliveryLatency.WithLabelValues("cam-test", "lockfree")
	initialLoaded := testutil.ToFloat64(loaded)
	initialLatency := histogramCount(t, latency)

	metrics.ObserveLoad("cam-test", "lockfree", 0.001)
	metrics.ObserveLoad("cam-test", "lockfree", -1)

	assert.Equal(t, initialLoaded+2, testutil.ToFloat64(loaded))
	assert.Equal(t, initialLatency+1, histogramCount(t, latency), "negative latency is not observed")
}

func TestHandlerExposesCollectors(t *testing.T) {
	metrics.FramesStored.WithLabelValues("cam-export", "blocking").Inc()

	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `shmframe_frames_stored_total{channel="cam-export",variant="blocking"}`))
}
