package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-gate/cache"
	"github.com/saiset-co/sai-gate/config"
	"github.com/saiset-co/sai-gate/cron"
	"github.com/saiset-co/sai-gate/events"
	"github.com/saiset-co/sai-gate/health"
	"github.com/saiset-co/sai-gate/logger"
	"github.com/saiset-co/sai-gate/metrics"
	"github.com/saiset-co/sai-gate/middleware"
	"github.com/saiset-co/sai-gate/permcache"
	"github.com/saiset-co/sai-gate/pipeline"
	"github.com/saiset-co/sai-gate/registry"
	"github.com/saiset-co/sai-gate/sai"
	"github.com/saiset-co/sai-gate/server"
	"github.com/saiset-co/sai-gate/tls"
	"github.com/saiset-co/sai-gate/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configPath      string
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	container       *sai.Container
	configUnits     *middleware.UnitSet
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	_, err := os.Stat(configPath)
	if err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)
	container := sai.InitContainer()

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configPath:      configPath,
		container:       container,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(StateStopped)

	configUnits, err := registerProviders(container, serviceCtx, configPath)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}
	service.configUnits = configUnits

	sai.SetContainer(container)
	return service, nil
}

// Group declares routes under a shared path prefix with every
// config-declared unit already attached at group scope. Units the
// caller adds afterwards run after the configured ones within each
// stage.
func (s *Service) Group(prefix string) types.GroupBuilder {
	group := sai.Router().Group(prefix)
	if s.configUnits != nil {
		if len(s.configUnits.Permission) > 0 {
			group = group.WithPermission(s.configUnits.Permission...)
		}
		if len(s.configUnits.Before) > 0 {
			group = group.WithBefore(s.configUnits.Before...)
		}
		if len(s.configUnits.After) > 0 {
			group = group.WithAfter(s.configUnits.After...)
		}
	}
	return group
}

// Route declares a route outside any group. Config-declared units are
// not attached; the health and metrics endpoints register this way.
func (s *Service) Route(method, path string, handler types.HandlerFunc) types.RouteBuilder {
	return sai.Router().Route(method, path, handler)
}

// ConfigUnits exposes the units materialized from configuration for
// callers assembling scopes by hand.
func (s *Service) ConfigUnits() *middleware.UnitSet {
	return s.configUnits
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		sai.Logger().Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				sai.Logger().Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	sai.Logger().Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	sai.Logger().Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		sai.Logger().Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	sai.Logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		sai.Logger().Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	sai.Logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Cancel() {
	s.cancel()
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	_config := sai.Config().GetConfig()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if ptr := s.container.Config.Load(); ptr != nil {
			manager := (*ptr).(types.LifecycleManager)
			if err := manager.Start(); err != nil {
				return types.WrapError(err, "failed to start config manager")
			}
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if ptr := s.container.Logger.Load(); ptr != nil {
			manager := (*ptr).(types.LifecycleManager)
			if err := manager.Start(); err != nil {
				return types.WrapError(err, "failed to start logger")
			}
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if _config.Metrics != nil && _config.Metrics.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.Metrics.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						sai.Logger().Error("Failed to start metrics manager", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if _config.Cache != nil && _config.Cache.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.Cache.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						sai.Logger().Error("Failed to start cache manager", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if _config.Events != nil && _config.Events.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.Events.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						sai.Logger().Error("Failed to start event broker", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if _config.Server != nil && _config.Server.TLS != nil && _config.Server.TLS.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				// Certificates must be usable before the listener binds.
				if ptr := s.container.TLSManager.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						return types.WrapError(err, "failed to start TLS manager")
					}
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if _config.Cron != nil && _config.Cron.Enabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if ptr := s.container.Cron.Load(); ptr != nil {
				if err := (*ptr).Start(); err != nil {
					sai.Logger().Error("Failed to start cron manager", zap.Error(err))
				}
			}
		}
	}

	if _config.Health != nil && _config.Health.Enabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if ptr := s.container.Health.Load(); ptr != nil {
				if err := (*ptr).Start(); err != nil {
					sai.Logger().Error("Failed to start health manager", zap.Error(err))
				}
			}
		}
	}

	// The router compiles every queued endpoint, so it starts only
	// after each component has registered its routes. A compile error
	// here means a broken declaration and aborts startup.
	if ptr := s.container.Router.Load(); ptr != nil {
		if err := (*ptr).Start(); err != nil {
			return types.WrapError(err, "failed to start router")
		}
	}

	if ptr := s.container.HTTPServer.Load(); ptr != nil {
		if err := (*ptr).Start(); err != nil {
			return types.WrapError(err, "failed to start HTTP server")
		}
	}

	sai.Logger().Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errors []error

	sai.Logger().Info("Stopping service components...")

	// The listener goes down first so no new request lands on
	// components that are already stopping.
	if ptr := s.container.HTTPServer.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			sai.Logger().Error("Failed to stop HTTP server", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if ptr := s.container.Health.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			sai.Logger().Error("Failed to stop health manager", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if ptr := s.container.Cron.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			sai.Logger().Error("Failed to stop cron manager", zap.Error(err))
			errors = append(errors, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if ptr := s.container.Events.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					sai.Logger().Error("Failed to stop event broker", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if ptr := s.container.Cache.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					sai.Logger().Error("Failed to stop cache manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if ptr := s.container.Metrics.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					sai.Logger().Error("Failed to stop metrics manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if ptr := s.container.TLSManager.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					sai.Logger().Error("Failed to stop TLS manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			sai.Logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errors = append(errors, err)
		}
	}

	// The router outlives the server shutdown so in-flight requests
	// finish against compiled endpoints.
	if ptr := s.container.Router.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			sai.Logger().Error("Failed to stop router", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if ptr := s.container.Config.Load(); ptr != nil {
		if err := (*ptr).(types.LifecycleManager).Stop(); err != nil {
			sai.Logger().Error("Failed to stop config manager", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errors)
	}

	sai.Logger().Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			sai.Logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			sai.Logger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
		close(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		sai.Logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		sai.Logger().Warn("Service shutdown: context deadline exceeded")
	default:
		sai.Logger().Info("Service shutdown: context done")
	}
}

func registerProviders(container *sai.Container, ctx context.Context, configPath string) (*middleware.UnitSet, error) {
	var metricsManager types.MetricsManager
	var cacheManager types.CacheManager
	var eventBroker types.EventBroker
	var permissionCache types.PermissionCache
	var tlsManager types.TLSManager
	var healthManager types.HealthManager

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}
	container.SetConfig(configManager)

	_config := configManager.GetConfig()

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register logger")
	}
	container.SetLogger(loggerManager)

	if _config.Metrics != nil && _config.Metrics.Enabled {
		metricsManager, err = metrics.NewManager(ctx, configManager, loggerManager.Named("metrics"))
		if err != nil {
			return nil, types.WrapError(err, "failed to register metrics manager")
		}
		container.SetMetrics(metricsManager)
	}

	if _config.Cache != nil && _config.Cache.Enabled {
		cacheManager, err = cache.NewCacheManager(ctx, configManager, loggerManager.Named("cache"), metricsManager)
		if err != nil {
			return nil, types.WrapError(err, "failed to register cache manager")
		}
		container.SetCache(cacheManager)
	}

	if _config.Events != nil && _config.Events.Enabled {
		eventBroker, err = events.NewEventBroker(ctx, configManager, loggerManager.Named("events"), metricsManager)
		if err != nil {
			return nil, types.WrapError(err, "failed to register event broker")
		}
		container.SetEvents(eventBroker)
	}

	if _config.Pipeline != nil && _config.Pipeline.PermissionCache != nil && _config.Pipeline.PermissionCache.Enabled {
		permissionCache = permcache.NewCache(loggerManager.Named("permcache"), metricsManager)
		container.SetPermissionCache(permissionCache)
	}

	unitRegistry := registry.New()
	err = middleware.RegisterBuiltins(unitRegistry, middleware.Deps{
		Logger:  loggerManager.Named("middleware"),
		Metrics: metricsManager,
		Cache:   cacheManager,
		Events:  eventBroker,
	})
	if err != nil {
		return nil, types.WrapError(err, "failed to register built-in units")
	}
	container.SetUnits(unitRegistry)

	var middlewaresConfig *types.MiddlewaresConfig
	if _config.Pipeline != nil {
		middlewaresConfig = _config.Pipeline.Middlewares
	}

	configUnits, err := middleware.FromConfig(unitRegistry, middlewaresConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to materialize configured units")
	}

	builder := pipeline.NewBuilder(loggerManager.Named("pipeline"), permissionCache, metricsManager)
	container.SetBuilder(builder)

	router, err := server.NewRouter(ctx, loggerManager.Named("router"), builder)
	if err != nil {
		return nil, types.WrapError(err, "failed to register router")
	}
	container.SetRouter(router)

	if _config.Server != nil && _config.Server.TLS != nil && _config.Server.TLS.Enabled {
		tlsManager, err = tls.NewCertManager(ctx, loggerManager.Named("tls"), configManager)
		if err != nil {
			return nil, types.WrapError(err, "failed to register TLS manager")
		}
		container.SetTLSManager(tlsManager)
	}

	var flushSchedule string
	if permissionCache != nil && _config.Pipeline != nil && _config.Pipeline.PermissionCache != nil {
		flushSchedule = _config.Pipeline.PermissionCache.FlushSchedule
	}

	if _config.Cron != nil && _config.Cron.Enabled {
		cronManager, err := cron.NewManager(ctx, configManager, loggerManager.Named("cron"), metricsManager)
		if err != nil {
			return nil, types.WrapError(err, "failed to register cron manager")
		}
		container.SetCron(cronManager)

		if flushSchedule != "" {
			if err := cronManager.Add("permission_cache_flush", flushSchedule, permissionCache.Flush); err != nil {
				return nil, types.WrapError(err, "failed to schedule permission cache flush")
			}
		}
	} else if flushSchedule != "" {
		loggerManager.Warn("Permission cache flush schedule is set but cron is disabled",
			zap.String("flush_schedule", flushSchedule))
	}

	if _config.Health != nil && _config.Health.Enabled {
		healthManager, err = health.NewManager(ctx, configManager, loggerManager.Named("health"), router)
		if err != nil {
			return nil, types.WrapError(err, "failed to register health manager")
		}
		container.SetHealth(healthManager)

		if cacheManager != nil {
			healthManager.RegisterChecker("cache", cacheHealthChecker(cacheManager))
		}
		if eventBroker != nil {
			healthManager.RegisterChecker("events", brokerHealthChecker(eventBroker))
		}
		if permissionCache != nil {
			healthManager.RegisterChecker("permission_cache", permissionCacheHealthChecker(permissionCache))
		}
		if tlsManager != nil {
			healthManager.RegisterChecker("certificates", certificateHealthChecker(tlsManager))
		}
	}

	if metricsManager != nil && _config.Metrics.HTTP.Enabled {
		metrics.RegisterEndpoint(router, metricsManager, _config.Metrics.HTTP.Path)
	}

	httpServer, err := server.NewHTTPServer(ctx, configManager, loggerManager.Named("server"), metricsManager, tlsManager, router)
	if err != nil {
		return nil, types.WrapError(err, "failed to register HTTP server")
	}

	preflight, ok, err := middleware.PreflightFromConfig(middlewaresConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to build CORS preflight handler")
	}
	if ok {
		httpServer.SetPreflight(preflight)
	}
	container.SetHTTPServer(httpServer)

	return configUnits, nil
}

func cacheHealthChecker(manager types.CacheManager) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{Name: "cache", Status: types.StatusHealthy}
		if !manager.IsRunning() {
			check.Status = types.StatusUnhealthy
			check.Message = "cache manager is not running"
			return check
		}
		check.Details = map[string]interface{}{"entries": manager.Size()}
		return check
	}
}

func brokerHealthChecker(broker types.EventBroker) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{Name: "events", Status: types.StatusHealthy}
		if !broker.IsRunning() {
			check.Status = types.StatusUnhealthy
			check.Message = "event broker is not running"
		}
		return check
	}
}

func permissionCacheHealthChecker(permCache types.PermissionCache) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{
			Name:    "permission_cache",
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{"entries": permCache.Size()},
		}
	}
}

func certificateHealthChecker(manager types.TLSManager) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{Name: "certificates", Status: types.StatusHealthy}

		statuses := manager.GetCertificateStatus()
		details := make(map[string]interface{}, len(statuses))
		for domain, status := range statuses {
			details[domain] = status.Status
			if status.Status == "expired" || status.Error != "" {
				check.Status = types.StatusUnhealthy
				check.Message = "certificate problems detected"
			}
		}
		check.Details = details

		return check
	}
}
