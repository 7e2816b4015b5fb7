package sai

import (
	"sync/atomic"

	"github.com/saiset-co/sai-gate/cache"
	"github.com/saiset-co/sai-gate/events"
	"github.com/saiset-co/sai-gate/logger"
	"github.com/saiset-co/sai-gate/metrics"
	"github.com/saiset-co/sai-gate/pipeline"
	"github.com/saiset-co/sai-gate/registry"
	"github.com/saiset-co/sai-gate/types"
)

// Container holds every wired component behind atomic pointers, so
// user code and late-started components read a consistent reference
// without locking.
type Container struct {
	Config          atomic.Pointer[types.ConfigManager]
	Logger          atomic.Pointer[types.LoggerManager]
	Router          atomic.Pointer[types.HTTPRouter]
	Cache           atomic.Pointer[types.CacheManager]
	HTTPServer      atomic.Pointer[types.HTTPServer]
	Cron            atomic.Pointer[types.CronManager]
	Metrics         atomic.Pointer[types.MetricsManager]
	Events          atomic.Pointer[types.EventBroker]
	Health          atomic.Pointer[types.HealthManager]
	TLSManager      atomic.Pointer[types.TLSManager]
	Units           atomic.Pointer[registry.Registry]
	Builder         atomic.Pointer[pipeline.Builder]
	PermissionCache atomic.Pointer[types.PermissionCache]
}

var globalContainer *Container

func InitContainer() *Container {
	return &Container{}
}

func SetContainer(container *Container) {
	globalContainer = container
}

func Config() types.ConfigManager {
	if ptr := globalContainer.Config.Load(); ptr != nil {
		return *ptr
	}
	panic("ConfigManager not initialized")
}

func Logger() types.LoggerManager {
	if ptr := globalContainer.Logger.Load(); ptr != nil {
		return *ptr
	}
	panic("Logger not initialized")
}

func Router() types.HTTPRouter {
	if ptr := globalContainer.Router.Load(); ptr != nil {
		return *ptr
	}
	panic("Router not initialized")
}

func Cache() types.CacheManager {
	if ptr := globalContainer.Cache.Load(); ptr != nil {
		return *ptr
	}
	panic("CacheManager not initialized")
}

func Metrics() types.MetricsManager {
	if ptr := globalContainer.Metrics.Load(); ptr != nil {
		return *ptr
	}
	panic("MetricsManager not initialized")
}

func Health() types.HealthManager {
	if ptr := globalContainer.Health.Load(); ptr != nil {
		return *ptr
	}
	panic("HealthManager not initialized")
}

func Cron() types.CronManager {
	if ptr := globalContainer.Cron.Load(); ptr != nil {
		return *ptr
	}
	panic("CronManager not initialized")
}

func Events() types.EventBroker {
	if ptr := globalContainer.Events.Load(); ptr != nil {
		return *ptr
	}
	panic("EventBroker not initialized")
}

// Units exposes the middleware registry for custom unit registration.
func Units() *registry.Registry {
	if reg := globalContainer.Units.Load(); reg != nil {
		return reg
	}
	panic("middleware registry not initialized")
}

// Builder exposes the pipeline builder for manual endpoint assembly.
func Builder() *pipeline.Builder {
	if builder := globalContainer.Builder.Load(); builder != nil {
		return builder
	}
	panic("pipeline builder not initialized")
}

func PermissionCache() types.PermissionCache {
	if ptr := globalContainer.PermissionCache.Load(); ptr != nil {
		return *ptr
	}
	panic("PermissionCache not initialized")
}

func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	cache.RegisterCacheManager(cacheManagerName, creator)
}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(metricsManagerName, creator)
}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	logger.RegisterLogger(loggerName, creator)
}

func RegisterEventBroker(brokerName string, creator types.EventBrokerCreator) {
	events.RegisterEventBroker(brokerName, creator)
}

func (fc *Container) SetConfig(config types.ConfigManager) {
	fc.Config.Store(&config)
}

func (fc *Container) SetLogger(logger types.LoggerManager) {
	fc.Logger.Store(&logger)
}

func (fc *Container) SetRouter(router types.HTTPRouter) {
	fc.Router.Store(&router)
}

func (fc *Container) SetCache(cache types.CacheManager) {
	fc.Cache.Store(&cache)
}

func (fc *Container) SetHTTPServer(server types.HTTPServer) {
	fc.HTTPServer.Store(&server)
}

func (fc *Container) SetCron(cron types.CronManager) {
	fc.Cron.Store(&cron)
}

func (fc *Container) SetMetrics(metrics types.MetricsManager) {
	fc.Metrics.Store(&metrics)
}

func (fc *Container) SetEvents(events types.EventBroker) {
	fc.Events.Store(&events)
}

func (fc *Container) SetHealth(health types.HealthManager) {
	fc.Health.Store(&health)
}

func (fc *Container) SetTLSManager(tlsManager types.TLSManager) {
	fc.TLSManager.Store(&tlsManager)
}

func (fc *Container) SetUnits(reg *registry.Registry) {
	fc.Units.Store(reg)
}

func (fc *Container) SetBuilder(builder *pipeline.Builder) {
	fc.Builder.Store(builder)
}

func (fc *Container) SetPermissionCache(permCache types.PermissionCache) {
	fc.PermissionCache.Store(&permCache)
}
