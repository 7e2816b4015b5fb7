package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-gate/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// snapshot bundles one loaded configuration with its dot-path parser.
// Readers always observe a config and parser from the same load.
type snapshot struct {
	config *types.GateConfig
	parser *Parser
}

type ConfigurationManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	current     atomic.Pointer[snapshot]
	configPath  string
	loader      *Loader
	state       atomic.Value
	loadTimeout time.Duration
}

// NewConfigurationManager loads the file immediately so construction
// fails fast on a missing, malformed or invalid configuration.
func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConfigurationManager{
		ctx:         managerCtx,
		cancel:      cancel,
		configPath:  configPath,
		loadTimeout: 30 * time.Second,
	}

	cm.state.Store(StateStopped)

	loader, err := NewLoader()
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create loader")
	}
	cm.loader = loader

	if err := cm.Load(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

func (cm *ConfigurationManager) Start() error {
	if !cm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if cm.getState() == StateStarting {
			cm.setState(StateRunning)
		}
	}()

	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		cm.setState(StateStopped)
		cm.cancel()
	}()

	cm.current.Store(nil)

	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

// Load re-reads the file and swaps the snapshot in one store, so a
// reload never exposes a half-updated view. The previous snapshot stays
// valid for readers that already hold it.
func (cm *ConfigurationManager) Load() error {
	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, rawData, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		if loadCtx.Err() != nil {
			return types.WrapError(loadCtx.Err(), "configuration load timeout")
		}
		return types.WrapError(err, "failed to load configuration from file")
	}

	cm.current.Store(&snapshot{
		config: config,
		parser: NewParser(rawData),
	})

	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.GateConfig {
	if current := cm.current.Load(); current != nil {
		return current.config
	}
	return nil
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	current := cm.current.Load()
	if current == nil {
		return defaultValue
	}
	return current.parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	current := cm.current.Load()
	if current == nil {
		return types.ErrConfigIsNil
	}
	return current.parser.GetAs(path, target)
}

func (cm *ConfigurationManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *ConfigurationManager) setState(newState State) bool {
	currentState := cm.getState()
	return cm.state.CompareAndSwap(currentState, newState)
}

func (cm *ConfigurationManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}
