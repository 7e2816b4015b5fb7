package logger

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-gate/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Manager owns the process-wide logging backend and forwards the
// types.Logger surface to it. Stop flushes buffered entries; the
// backend itself is never torn down because components log during
// their own shutdown.
type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	state        atomic.Value
	flushTimeout time.Duration
}

var customLoggerCreators = make(map[string]types.LoggerCreator)

// RegisterLogger makes a custom backend selectable through
// `logger.type` in configuration.
func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreators[loggerName] = creator
}

func NewManager(ctx context.Context, config types.ConfigManager) (types.LoggerManager, error) {
	loggerConfig := config.GetConfig().Logger
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	managerCtx, cancel := context.WithCancel(ctx)

	backend, err := createLogger(loggerConfig)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create logger")
	}

	manager := &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		logger:       backend,
		flushTimeout: 10 * time.Second,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
		m.cancel()
	}()

	// A file sink's final fsync can hang on dead storage; the flush is
	// bounded so shutdown always completes.
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		if syncer, hasSync := m.logger.(interface{ Sync() error }); hasSync {
			_ = syncer.Sync()
		}
	}()

	select {
	case <-flushed:
	case <-time.After(m.flushTimeout):
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) Error(msg string, fields ...zap.Field) { m.logger.Error(msg, fields...) }
func (m *Manager) Warn(msg string, fields ...zap.Field)  { m.logger.Warn(msg, fields...) }
func (m *Manager) Info(msg string, fields ...zap.Field)  { m.logger.Info(msg, fields...) }
func (m *Manager) Debug(msg string, fields ...zap.Field) { m.logger.Debug(msg, fields...) }

func (m *Manager) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	m.logger.Log(lvl, msg, fields...)
}

func (m *Manager) ErrorWithStack(msg string, stack string, fields ...zap.Field) {
	m.logger.ErrorWithStack(msg, stack, fields...)
}

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	m.logger.ErrorWithErrStack(msg, err, fields...)
}

func (m *Manager) Named(name string) types.Logger {
	return m.logger.Named(name)
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func createLogger(loggerConfig *types.LoggerConfig) (types.Logger, error) {
	loggerName := "default"
	if loggerConfig.Type != "" {
		loggerName = loggerConfig.Type
	}

	if loggerName == "default" {
		return NewDefaultLogger(loggerConfig)
	}

	creator, exists := customLoggerCreators[loggerName]
	if !exists {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerName)
	}

	return creator(loggerConfig.Config)
}
