package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

// Manager wraps the configured backend behind the lifecycle gates.
// Construction fails without a usable backend, so delegation never has
// to guard against a missing one. Instruments handed out before Start
// stay valid and keep recording once the backend runs.
type Manager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      types.Logger
	backend     types.MetricsManager
	state       atomic.Value
	stopTimeout time.Duration
}

var customMetricsCreators = sync.Map{}

// RegisterMetricsManager makes a custom backend selectable through
// `metrics.type` in configuration.
func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger) (types.MetricsManager, error) {
	metricsConfig := config.GetConfig().Metrics

	if !metricsConfig.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	managerCtx, cancel := context.WithCancel(ctx)

	wrapper := &Manager{
		ctx:         managerCtx,
		cancel:      cancel,
		logger:      logger,
		stopTimeout: 10 * time.Second,
	}

	wrapper.state.Store(ManagerStateStopped)

	backend, err := wrapper.newBackend(metricsConfig)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}
	wrapper.backend = backend

	logger.Info("Metrics manager initialized", zap.String("type", metricsConfig.Type))

	return wrapper, nil
}

func (w *Manager) newBackend(metricsConfig *types.MetricsConfig) (types.MetricsManager, error) {
	switch metricsConfig.Type {
	case "memory":
		return NewMemoryMetrics(w.ctx, w.logger, metricsConfig)
	case "prometheus":
		return NewPrometheusMetrics(w.ctx, w.logger, metricsConfig)
	}

	if creator, exists := customMetricsCreators.Load(metricsConfig.Type); exists {
		return creator.(types.MetricsManagerCreator)(metricsConfig)
	}

	return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsConfig.Type)
}

func (w *Manager) Start() error {
	if !w.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := w.backend.Start(); err != nil {
		w.setState(ManagerStateStopped)
		return types.WrapError(err, "failed to start metrics backend")
	}

	w.setState(ManagerStateRunning)
	w.logger.Info("Metrics manager started successfully")

	return nil
}

func (w *Manager) Stop() error {
	if !w.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		w.setState(ManagerStateStopped)
		w.cancel()
	}()

	// A backend flushing to a remote sink can stall; shutdown is bounded.
	stopped := make(chan error, 1)
	go func() { stopped <- w.backend.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			w.logger.Error("Error during metrics manager shutdown", zap.Error(err))
		} else {
			w.logger.Info("Metrics manager stopped gracefully")
		}
	case <-time.After(w.stopTimeout):
		w.logger.Warn("Metrics manager stop timeout, some components may not have stopped gracefully")
	}

	return nil
}

func (w *Manager) IsRunning() bool {
	return w.getState() == ManagerStateRunning
}

func (w *Manager) Counter(name string, labels map[string]string) types.Counter {
	return w.backend.Counter(name, labels)
}

func (w *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	return w.backend.Gauge(name, labels)
}

func (w *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	return w.backend.Histogram(name, buckets, labels)
}

func (w *Manager) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	return w.backend.Summary(name, objectives, labels)
}

func (w *Manager) GetMetrics() ([]byte, error) {
	if !w.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}
	return w.backend.GetMetrics()
}

func (w *Manager) getState() ManagerState {
	return w.state.Load().(ManagerState)
}

func (w *Manager) setState(newState ManagerState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *Manager) transitionState(from, to ManagerState) bool {
	return w.state.CompareAndSwap(from, to)
}
