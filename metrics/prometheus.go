package metrics

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

type PrometheusConfig struct {
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

// PrometheusMetrics keeps one vec per metric name in a private
// registry. Nothing here binds a listener: the gate's own metrics
// route serves whatever GetMetrics renders.
type PrometheusMetrics struct {
	ctx        context.Context
	logger     types.Logger
	config     *PrometheusConfig
	namespace  string
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	summaries  map[string]*prometheus.SummaryVec
	mu         sync.RWMutex
	running    int32
}

func NewPrometheusMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	var promConfig = &PrometheusConfig{
		EnableGoMetrics: true,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, promConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	namespace := config.Prefix
	if namespace == "" {
		namespace = "sai_gate"
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	metrics := &PrometheusMetrics{
		ctx:        ctx,
		logger:     logger,
		config:     promConfig,
		namespace:  namespace,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", namespace),
		zap.String("subsystem", promConfig.Subsystem),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return metrics, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		p.logger.Warn("Prometheus metrics is already running")
		return types.ErrServerAlreadyRunning
	}

	p.logger.Info("Prometheus metrics started")

	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		p.logger.Warn("Prometheus metrics is not running")
		return types.ErrServerNotRunning
	}

	p.logger.Info("Prometheus metrics stopped")

	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// register resolves the vec for a metric name, building and
// registering it on first use. Vecs are keyed by the fully qualified
// name only: reusing a name with a different label set is a caller
// bug that prometheus reports on With.
func register[T prometheus.Collector](p *PrometheusMetrics, vecs map[string]T, key string, build func() T) T {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, exists := vecs[key]; exists {
		return vec
	}

	vec := build()
	p.registry.MustRegister(vec)
	vecs[key] = vec
	return vec
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	vec := register(p, p.counters, p.qualifiedName(name), func() *prometheus.CounterVec {
		p.logger.Debug("Prometheus counter created", zap.String("name", name))
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        name + " counter",
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	return &PrometheusCounter{counter: vec, labels: labels}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	vec := register(p, p.gauges, p.qualifiedName(name), func() *prometheus.GaugeVec {
		p.logger.Debug("Prometheus gauge created", zap.String("name", name))
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        name + " gauge",
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	return &PrometheusGauge{gauge: vec, labels: labels}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	vec := register(p, p.histograms, p.qualifiedName(name), func() *prometheus.HistogramVec {
		p.logger.Debug("Prometheus histogram created", zap.String("name", name))
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        name + " histogram",
			Buckets:     buckets,
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	return &PrometheusHistogram{histogram: vec, labels: labels}
}

func (p *PrometheusMetrics) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	vec := register(p, p.summaries, p.qualifiedName(name), func() *prometheus.SummaryVec {
		p.logger.Debug("Prometheus summary created", zap.String("name", name))
		return prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:   p.namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        name + " summary",
			Objectives:  objectives,
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	return &PrometheusSummary{summary: vec, labels: labels}
}

// GetMetrics renders the registry in the Prometheus text exposition
// format.
func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	gathering, err := p.registry.Gather()
	if err != nil {
		p.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range gathering {
		if err := encoder.Encode(family); err != nil {
			p.logger.Error("Failed to encode prometheus metrics", zap.Error(err))
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func (p *PrometheusMetrics) qualifiedName(name string) string {
	if p.config.Subsystem != "" {
		return p.namespace + "_" + p.config.Subsystem + "_" + name
	}
	return p.namespace + "_" + name
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names
}

// readInstrument snapshots a live instrument through its dto form.
// Counter and Gauge expose Write directly; the Observer interfaces
// hide it behind the concrete type.
func readInstrument(instrument interface{}) *dto.Metric {
	metric := &dto.Metric{}

	writer, ok := instrument.(prometheus.Metric)
	if !ok {
		return metric
	}

	if err := writer.Write(metric); err != nil {
		return &dto.Metric{}
	}

	return metric
}

type PrometheusCounter struct {
	counter *prometheus.CounterVec
	labels  map[string]string
}

func (c *PrometheusCounter) Inc() {
	c.counter.With(c.labels).Inc()
}

func (c *PrometheusCounter) Add(value float64) {
	c.counter.With(c.labels).Add(value)
}

func (c *PrometheusCounter) Get() float64 {
	return readInstrument(c.counter.With(c.labels)).GetCounter().GetValue()
}

type PrometheusGauge struct {
	gauge  *prometheus.GaugeVec
	labels map[string]string
}

func (g *PrometheusGauge) Set(value float64) {
	g.gauge.With(g.labels).Set(value)
}

func (g *PrometheusGauge) Inc() {
	g.gauge.With(g.labels).Inc()
}

func (g *PrometheusGauge) Dec() {
	g.gauge.With(g.labels).Dec()
}

func (g *PrometheusGauge) Add(value float64) {
	g.gauge.With(g.labels).Add(value)
}

func (g *PrometheusGauge) Sub(value float64) {
	g.gauge.With(g.labels).Sub(value)
}

func (g *PrometheusGauge) Get() float64 {
	return readInstrument(g.gauge.With(g.labels)).GetGauge().GetValue()
}

type PrometheusHistogram struct {
	histogram *prometheus.HistogramVec
	labels    map[string]string
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.histogram.With(h.labels).Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.histogram.With(h.labels).Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	return readInstrument(h.histogram.With(h.labels)).GetHistogram().GetSampleCount()
}

func (h *PrometheusHistogram) GetSum() float64 {
	return readInstrument(h.histogram.With(h.labels)).GetHistogram().GetSampleSum()
}

type PrometheusSummary struct {
	summary *prometheus.SummaryVec
	labels  map[string]string
}

func (s *PrometheusSummary) Observe(value float64) {
	s.summary.With(s.labels).Observe(value)
}

func (s *PrometheusSummary) ObserveDuration(start time.Time) {
	s.summary.With(s.labels).Observe(time.Since(start).Seconds())
}

func (s *PrometheusSummary) GetCount() uint64 {
	return readInstrument(s.summary.With(s.labels)).GetSummary().GetSampleCount()
}

func (s *PrometheusSummary) GetSum() float64 {
	return readInstrument(s.summary.With(s.labels)).GetSummary().GetSampleSum()
}
