package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-gate/types"
)

type CollectorState int32

const (
	CollectorStateStopped CollectorState = iota
	CollectorStateStarting
	CollectorStateRunning
	CollectorStateStopping
)

// RuntimeCollector feeds Go runtime gauges into a metrics backend.
// Goroutine count and uptime refresh on a light cadence; memstats and
// GC stats on a heavier one, since ReadMemStats stops the world.
type RuntimeCollector struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      types.Logger
	metrics     types.MetricsManager
	state       atomic.Value
	startTime   time.Time
	lastGCCount uint32
	lastGCPause int64
	stopChan    chan struct{}
}

func NewRuntimeCollector(ctx context.Context, logger types.Logger, metricsManager types.MetricsManager) *RuntimeCollector {
	collectorCtx, cancel := context.WithCancel(ctx)

	collector := &RuntimeCollector{
		ctx:      collectorCtx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metricsManager,
		stopChan: make(chan struct{}),
	}

	collector.state.Store(CollectorStateStopped)

	return collector
}

func (rc *RuntimeCollector) Start() error {
	if !rc.transitionState(CollectorStateStopped, CollectorStateStarting) {
		rc.logger.Warn("Runtime collector is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if rc.getState() == CollectorStateStarting {
			rc.setState(CollectorStateRunning)
		}
	}()

	rc.startTime = time.Now()
	go rc.collectLoop()

	rc.logger.Info("Runtime stats collection started")
	return nil
}

func (rc *RuntimeCollector) Stop() error {
	if !rc.transitionState(CollectorStateRunning, CollectorStateStopping) {
		rc.logger.Warn("Runtime collector is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		rc.setState(CollectorStateStopped)
		rc.cancel()
	}()

	close(rc.stopChan)

	rc.logger.Info("Runtime stats collection stopped")
	return nil
}

func (rc *RuntimeCollector) IsRunning() bool {
	return rc.getState() == CollectorStateRunning
}

func (rc *RuntimeCollector) getState() CollectorState {
	return rc.state.Load().(CollectorState)
}

func (rc *RuntimeCollector) setState(newState CollectorState) bool {
	currentState := rc.getState()
	return rc.state.CompareAndSwap(currentState, newState)
}

func (rc *RuntimeCollector) transitionState(from, to CollectorState) bool {
	return rc.state.CompareAndSwap(from, to)
}

func (rc *RuntimeCollector) collectLoop() {
	heavyTicker := time.NewTicker(15 * time.Second)
	lightTicker := time.NewTicker(5 * time.Second)
	defer heavyTicker.Stop()
	defer lightTicker.Stop()

	rc.collectMemStats()
	rc.collectLight()

	for {
		select {
		case <-heavyTicker.C:
			if !rc.IsRunning() {
				return
			}
			rc.collectMemStats()

		case <-lightTicker.C:
			if !rc.IsRunning() {
				return
			}
			rc.collectLight()

		case <-rc.stopChan:
			return
		case <-rc.ctx.Done():
			return
		}
	}
}

func (rc *RuntimeCollector) collectLight() {
	if rc.metrics == nil {
		return
	}

	rc.metrics.Gauge("runtime_goroutines_count", nil).Set(float64(runtime.NumGoroutine()))
	rc.metrics.Gauge("runtime_uptime_seconds", nil).Set(time.Since(rc.startTime).Seconds())
}

func (rc *RuntimeCollector) collectMemStats() {
	if rc.metrics == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryGauges := []struct {
		name   string
		labels map[string]string
		value  float64
	}{
		{"runtime_memory_usage_bytes", map[string]string{"type": "heap_inuse"}, float64(m.HeapInuse)},
		{"runtime_memory_usage_bytes", map[string]string{"type": "heap_alloc"}, float64(m.HeapAlloc)},
		{"runtime_memory_usage_bytes", map[string]string{"type": "sys"}, float64(m.Sys)},
		{"runtime_memory_usage_bytes", map[string]string{"type": "stack_inuse"}, float64(m.StackInuse)},
		{"runtime_heap_objects_count", nil, float64(m.HeapObjects)},
		{"runtime_next_gc_bytes", nil, float64(m.NextGC)},
	}

	for _, gauge := range memoryGauges {
		rc.metrics.Gauge(gauge.name, gauge.labels).Set(gauge.value)
	}

	rc.collectGCStats(&m)
}

func (rc *RuntimeCollector) collectGCStats(m *runtime.MemStats) {
	if m.NumGC == rc.lastGCCount {
		return
	}

	rc.metrics.Gauge("runtime_gc_cycles_total", nil).Set(float64(m.NumGC))
	rc.metrics.Gauge("runtime_gc_cpu_percent", nil).Set(m.GCCPUFraction * 100)
	rc.lastGCCount = m.NumGC

	if m.NumGC > 0 {
		rc.metrics.Gauge("runtime_last_gc_timestamp", nil).Set(float64(m.LastGC) / 1e9)

		lastPauseIndex := (m.NumGC + 255) % 256
		lastPause := m.PauseNs[lastPauseIndex]

		if lastPause > 0 && int64(lastPause) != rc.lastGCPause {
			rc.metrics.Histogram("runtime_gc_duration_seconds",
				[]float64{0.001, 0.01, 0.1, 1.0},
				nil,
			).Observe(float64(lastPause) / 1e9)
			rc.lastGCPause = int64(lastPause)
		}
	}
}
