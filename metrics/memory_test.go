package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-gate/types"
)

func newMemoryBackend(t *testing.T) types.MetricsManager {
	t.Helper()

	backend, err := NewMemoryMetrics(context.Background(), testLogger(), &types.MetricsConfig{
		Config: map[string]interface{}{"runtime_stats": false},
	})
	require.NoError(t, err)
	return backend
}

func TestMemoryCounterAccumulates(t *testing.T) {
	backend := newMemoryBackend(t)

	counter := backend.Counter("requests_total", map[string]string{"method": "GET"})
	counter.Inc()
	counter.Inc()
	counter.Add(3)

	assert.Equal(t, float64(5), counter.Get())

	again := backend.Counter("requests_total", map[string]string{"method": "GET"})
	assert.Equal(t, float64(5), again.Get(), "same name and labels resolve to the same instrument")

	other := backend.Counter("requests_total", map[string]string{"method": "POST"})
	assert.Equal(t, float64(0), other.Get(), "different labels are independent")
}

func TestMemoryGaugeArithmetic(t *testing.T) {
	backend := newMemoryBackend(t)

	gauge := backend.Gauge("open_connections", nil)
	gauge.Set(10)
	gauge.Inc()
	gauge.Dec()
	gauge.Add(2.5)
	gauge.Sub(0.5)

	assert.InDelta(t, 12.0, gauge.Get(), 0.0001)
}

func TestMemoryHistogramObserves(t *testing.T) {
	backend := newMemoryBackend(t)

	histogram := backend.Histogram("request_duration_seconds", []float64{0.1, 1, 10}, nil)
	for _, v := range []float64{0.05, 0.5, 5, 50} {
		histogram.Observe(v)
	}

	assert.Equal(t, uint64(4), histogram.GetCount())
	assert.InDelta(t, 55.55, histogram.GetSum(), 0.001)
}

func TestMemoryHistogramWithoutBucketsIsANoOp(t *testing.T) {
	backend := newMemoryBackend(t)

	histogram := backend.Histogram("unbucketed", nil, nil)
	histogram.Observe(1)

	assert.Equal(t, uint64(0), histogram.GetCount())
}

func TestMemorySummaryObserves(t *testing.T) {
	backend := newMemoryBackend(t)

	summary := backend.Summary("payload_bytes", map[float64]float64{0.5: 0.05}, nil)
	summary.Observe(1.5)
	summary.Observe(2.5)

	assert.Equal(t, uint64(2), summary.GetCount())
	assert.InDelta(t, 4.0, summary.GetSum(), 0.001)
}

func TestMemoryGetMetricsRequiresRunning(t *testing.T) {
	backend := newMemoryBackend(t)

	_, err := backend.GetMetrics()
	assert.ErrorIs(t, err, types.ErrMetricsNotRunning)

	backend.Counter("requests_total", nil).Inc()
	backend.Gauge("open_connections", nil).Set(2)

	require.NoError(t, backend.Start())
	assert.ErrorIs(t, backend.Start(), types.ErrServerAlreadyRunning)

	payload, err := backend.GetMetrics()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"requests_total"`)
	assert.Contains(t, string(payload), `"counter"`)
	assert.Contains(t, string(payload), `"gauge"`)

	require.NoError(t, backend.Stop())
	assert.ErrorIs(t, backend.Stop(), types.ErrServerNotRunning)

	_, err = backend.GetMetrics()
	assert.ErrorIs(t, err, types.ErrMetricsNotRunning)
}
