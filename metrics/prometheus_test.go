package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-gate/types"
)

func newPromBackend(t *testing.T) types.MetricsManager {
	t.Helper()

	backend, err := NewPrometheusMetrics(context.Background(), testLogger(), &types.MetricsConfig{
		Prefix: "testgate",
		Config: map[string]interface{}{"enable_go_metrics": false},
	})
	require.NoError(t, err)
	return backend
}

func TestPrometheusCounterRoundTrip(t *testing.T) {
	backend := newPromBackend(t)

	counter := backend.Counter("requests_total", map[string]string{"method": "GET"})
	counter.Inc()
	counter.Add(2)
	assert.Equal(t, float64(3), counter.Get())

	other := backend.Counter("requests_total", map[string]string{"method": "POST"})
	assert.Equal(t, float64(0), other.Get())
	other.Inc()
	assert.Equal(t, float64(1), other.Get())
	assert.Equal(t, float64(3), counter.Get(), "label sets stay independent")
}

func TestPrometheusGaugeRoundTrip(t *testing.T) {
	backend := newPromBackend(t)

	gauge := backend.Gauge("open_connections", nil)
	gauge.Set(10)
	gauge.Inc()
	gauge.Dec()
	gauge.Add(2.5)
	gauge.Sub(0.5)

	assert.InDelta(t, 12.0, gauge.Get(), 0.0001)
}

func TestPrometheusHistogramRoundTrip(t *testing.T) {
	backend := newPromBackend(t)

	histogram := backend.Histogram("request_duration_seconds", []float64{0.1, 1, 10}, nil)
	histogram.Observe(0.05)
	histogram.Observe(0.5)

	assert.Equal(t, uint64(2), histogram.GetCount())
	assert.InDelta(t, 0.55, histogram.GetSum(), 0.0001)
}

func TestPrometheusSummaryRoundTrip(t *testing.T) {
	backend := newPromBackend(t)

	summary := backend.Summary("payload_bytes", map[float64]float64{0.5: 0.05}, nil)
	summary.Observe(1)
	summary.Observe(3)

	assert.Equal(t, uint64(2), summary.GetCount())
	assert.InDelta(t, 4.0, summary.GetSum(), 0.0001)
}

func TestPrometheusExpositionFormat(t *testing.T) {
	backend := newPromBackend(t)

	backend.Counter("requests_total", map[string]string{"method": "GET"}).Inc()

	payload, err := backend.GetMetrics()
	require.NoError(t, err)

	text := string(payload)
	assert.Contains(t, text, "# TYPE testgate_requests_total counter")
	assert.Contains(t, text, `testgate_requests_total{method="GET"} 1`)
}

func TestPrometheusLifecycleGates(t *testing.T) {
	backend := newPromBackend(t)

	require.NoError(t, backend.Start())
	assert.True(t, backend.IsRunning())
	assert.ErrorIs(t, backend.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, backend.Stop())
	assert.False(t, backend.IsRunning())
	assert.ErrorIs(t, backend.Stop(), types.ErrServerNotRunning)
}
