package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	MaxMetrics      int           `yaml:"max_metrics" json:"max_metrics"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	RuntimeStats    bool          `yaml:"runtime_stats" json:"runtime_stats"`
}

// MemoryMetrics is the in-process backend: instruments live in a keyed
// registry and GetMetrics serializes a snapshot. The registry maps are
// created once and only ever cleared, so reading the map headers
// outside the lock is safe.
type MemoryMetrics struct {
	ctx              context.Context
	cancel           context.CancelFunc
	logger           types.Logger
	config           *MemoryConfig
	counters         map[string]*MemoryCounter
	gauges           map[string]*MemoryGauge
	histograms       map[string]*MemoryHistogram
	summaries        map[string]*MemorySummary
	runtimeCollector atomic.Pointer[RuntimeCollector]
	state            atomic.Value
	stopSweep        chan struct{}
	mu               sync.RWMutex
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	var memConfig = &MemoryConfig{
		MaxMetrics:      10000,
		CleanupInterval: time.Hour,
		RuntimeStats:    true,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory metrics config")
		}
	}

	memoryCtx, cancel := context.WithCancel(ctx)

	metrics := &MemoryMetrics{
		ctx:        memoryCtx,
		cancel:     cancel,
		logger:     logger,
		config:     memConfig,
		counters:   make(map[string]*MemoryCounter),
		gauges:     make(map[string]*MemoryGauge),
		histograms: make(map[string]*MemoryHistogram),
		summaries:  make(map[string]*MemorySummary),
	}

	metrics.state.Store(MemoryStateStopped)

	return metrics, nil
}

func (m *MemoryMetrics) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory metrics is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	m.stopSweep = make(chan struct{})
	go m.sweepLoop(m.stopSweep)

	if m.config.RuntimeStats {
		collector := NewRuntimeCollector(m.ctx, m.logger, m)
		m.runtimeCollector.Store(collector)

		if err := collector.Start(); err != nil {
			m.logger.Warn("Failed to start runtime stats collection", zap.Error(err))
		}
	}

	m.logger.Info("Memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory metrics is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
		m.cancel()
	}()

	close(m.stopSweep)

	if collector := m.runtimeCollector.Swap(nil); collector != nil {
		if err := collector.Stop(); err != nil {
			m.logger.Error("Failed to stop runtime stats collection", zap.Error(err))
		}
	}

	m.reset()
	m.logger.Info("Memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryMetrics) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryMetrics) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryMetrics) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryMetrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.counters)
	clear(m.gauges)
	clear(m.histograms)
	clear(m.summaries)
}

// fetch returns the instrument registered under key, building it on
// first use. Creation is not gated on the lifecycle state: handles
// issued before Start keep pointing at the live registry.
func fetch[T any](m *MemoryMetrics, registry map[string]T, key string, build func() T) T {
	m.mu.Lock()
	defer m.mu.Unlock()

	if instrument, exists := registry[key]; exists {
		return instrument
	}

	instrument := build()
	registry[key] = instrument
	return instrument
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	return fetch(m, m.counters, buildLabeledKey(name, labels), func() *MemoryCounter {
		return &MemoryCounter{name: name, labels: labels}
	})
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	return fetch(m, m.gauges, buildLabeledKey(name, labels), func() *MemoryGauge {
		return &MemoryGauge{name: name, labels: labels}
	})
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	return fetch(m, m.histograms, buildLabeledKey(name, labels), func() *MemoryHistogram {
		histogram := &MemoryHistogram{
			name:    name,
			labels:  labels,
			buckets: make([]float64, len(buckets)),
			counts:  make([]uint64, len(buckets)+1),
		}
		copy(histogram.buckets, buckets)
		return histogram
	})
}

func (m *MemoryMetrics) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	return fetch(m, m.summaries, buildLabeledKey(name, labels), func() *MemorySummary {
		return &MemorySummary{name: name, labels: labels, objectives: objectives}
	})
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	if !m.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	metrics := make([]types.MetricValue, 0,
		len(m.counters)+len(m.gauges)+len(m.histograms)+len(m.summaries))

	snapshot := func(name, kind string, value float64, labels map[string]string) {
		metrics = append(metrics, types.MetricValue{
			Name:      name,
			Type:      kind,
			Value:     value,
			Labels:    labels,
			Timestamp: now,
		})
	}

	for _, counter := range m.counters {
		snapshot(counter.name, "counter", counter.Get(), counter.labels)
	}
	for _, gauge := range m.gauges {
		snapshot(gauge.name, "gauge", gauge.Get(), gauge.labels)
	}
	for _, histogram := range m.histograms {
		snapshot(histogram.name, "histogram", histogram.GetSum(), histogram.labels)
	}
	for _, summary := range m.summaries {
		snapshot(summary.name, "summary", summary.GetSum(), summary.labels)
	}

	return utils.Marshal(metrics)
}

// buildLabeledKey interns "name_k1_v1_k2_v2" with the label keys
// sorted, so the same label set always resolves to the same
// instrument regardless of map iteration order.
func buildLabeledKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var arr [256]byte
	buf := arr[:0]
	buf = append(buf, name...)

	for _, key := range keys {
		buf = append(buf, '_')
		buf = append(buf, key...)
		buf = append(buf, '_')
		buf = append(buf, labels[key]...)
	}

	return utils.Intern(buf)
}

func (m *MemoryMetrics) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if dropped := m.sweepExcess(); dropped > 0 {
				m.logger.Debug("Metric registry swept", zap.Int("dropped", dropped))
			}
		}
	}
}

// sweepExcess drops counters once the registry exceeds max_metrics.
// Counters are the churny kind (per-label-set request counters);
// gauges and histograms are few and long-lived.
func (m *MemoryMetrics) sweepExcess() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.counters) + len(m.gauges) + len(m.histograms) + len(m.summaries)
	excess := total - m.config.MaxMetrics
	if excess <= 0 {
		return 0
	}

	dropped := 0
	for key := range m.counters {
		if dropped == excess {
			break
		}
		delete(m.counters, key)
		dropped++
	}

	return dropped
}

// atomicAddFloat CAS-loops a float64 delta onto a bit-packed cell.
func atomicAddFloat(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		updated := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, updated) {
			return
		}
	}
}

// Sums are stored in integer microunits so Observe stays lock-free.
func toMicroUnits(value float64) uint64 {
	return uint64(value * 1e6)
}

func fromMicroUnits(total uint64) float64 {
	return float64(total) / 1e6
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	value  uint64
}

func (c *MemoryCounter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

func (c *MemoryCounter) Add(value float64) {
	atomic.AddUint64(&c.value, uint64(value))
}

func (c *MemoryCounter) Get() float64 {
	return float64(atomic.LoadUint64(&c.value))
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	value  uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.value, math.Float64bits(value))
}

func (g *MemoryGauge) Inc() { g.Add(1) }

func (g *MemoryGauge) Dec() { g.Add(-1) }

func (g *MemoryGauge) Add(value float64) {
	atomicAddFloat(&g.value, value)
}

func (g *MemoryGauge) Sub(value float64) {
	atomicAddFloat(&g.value, -value)
}

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.value))
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     uint64
	count   uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	if h == nil || len(h.buckets) == 0 {
		return
	}

	atomic.AddUint64(&h.count, 1)
	atomic.AddUint64(&h.sum, toMicroUnits(value))
	atomic.AddUint64(&h.counts[bucketFor(h.buckets, value)], 1)
}

// bucketFor returns the index of the first bucket holding value; the
// final counts slot is the implicit +Inf bucket.
func bucketFor(buckets []float64, value float64) int {
	for i, upper := range buckets {
		if value <= upper {
			return i
		}
	}
	return len(buckets)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *MemoryHistogram) GetSum() float64 {
	return fromMicroUnits(atomic.LoadUint64(&h.sum))
}

type MemorySummary struct {
	name       string
	labels     map[string]string
	objectives map[float64]float64
	sum        uint64
	count      uint64
}

func (s *MemorySummary) Observe(value float64) {
	atomic.AddUint64(&s.count, 1)
	atomic.AddUint64(&s.sum, toMicroUnits(value))
}

func (s *MemorySummary) ObserveDuration(start time.Time) {
	s.Observe(time.Since(start).Seconds())
}

func (s *MemorySummary) GetCount() uint64 {
	return atomic.LoadUint64(&s.count)
}

func (s *MemorySummary) GetSum() float64 {
	return fromMicroUnits(atomic.LoadUint64(&s.sum))
}
