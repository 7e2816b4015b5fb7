package cache

import (
	"context"
	"time"

	"github.com/saiset-co/sai-gate/types"
)

var customCacheCreators = make(map[string]types.CacheManagerCreator)

// RegisterCacheManager makes a custom backend available under the
// given config type name. Must be called before the service builds.
func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	customCacheCreators[cacheManagerName] = creator
}

func NewCacheManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.CacheManager, error) {
	cacheConfig := config.GetConfig().Cache

	if !cacheConfig.Enabled {
		return nil, types.ErrCacheIsDisabled
	}

	cacheManagerName := cacheConfig.Type

	var impl types.CacheManager
	var err error

	switch cacheManagerName {
	case "memory":
		impl, err = NewMemoryCache(ctx, logger, cacheConfig)
	default:
		if creator, exists := customCacheCreators[cacheManagerName]; exists {
			impl, err = creator(cacheConfig)
		} else {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheManagerName)
		}
	}

	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return &instrumentedCacheManager{impl: impl, logger: logger, metrics: metrics}, nil
}

// instrumentedCacheManager decorates a backend with per-operation
// counters and latency histograms. Reads count hits and misses; writes
// count successes and errors.
type instrumentedCacheManager struct {
	impl    types.CacheManager
	logger  types.Logger
	metrics types.MetricsManager
}

var cacheDurationBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 1.0}

func (icm *instrumentedCacheManager) timed(operation string, call func() error) error {
	start := time.Now()
	err := call()
	icm.recordMetric(operation, resultLabel(err), time.Since(start))
	return err
}

func (icm *instrumentedCacheManager) recordMetric(operation, result string, duration time.Duration) {
	icm.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	icm.metrics.Histogram("cache_operation_duration_seconds",
		cacheDurationBuckets,
		map[string]string{"operation": operation}).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (icm *instrumentedCacheManager) Get(key string) (interface{}, bool) {
	start := time.Now()
	value, exists := icm.impl.Get(key)

	result := "miss"
	if exists {
		result = "hit"
	}
	icm.recordMetric("get", result, time.Since(start))

	return value, exists
}

func (icm *instrumentedCacheManager) Set(key string, value interface{}, ttl time.Duration) error {
	return icm.timed("set", func() error {
		return icm.impl.Set(key, value, ttl)
	})
}

func (icm *instrumentedCacheManager) SetWithDependencies(key string, value interface{}, ttl time.Duration, dependencies []string) error {
	return icm.timed("set", func() error {
		return icm.impl.SetWithDependencies(key, value, ttl, dependencies)
	})
}

func (icm *instrumentedCacheManager) Delete(key string) error {
	return icm.timed("delete", func() error {
		return icm.impl.Delete(key)
	})
}

func (icm *instrumentedCacheManager) Invalidate(dependencies ...string) error {
	return icm.timed("invalidate", func() error {
		return icm.impl.Invalidate(dependencies...)
	})
}

func (icm *instrumentedCacheManager) Flush() error {
	return icm.timed("flush", icm.impl.Flush)
}

func (icm *instrumentedCacheManager) Size() int {
	return icm.impl.Size()
}

func (icm *instrumentedCacheManager) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	return icm.impl.BuildCacheKey(requestPath, dependencies, metadata)
}

func (icm *instrumentedCacheManager) Start() error {
	return icm.timed("start", icm.impl.Start)
}

func (icm *instrumentedCacheManager) Stop() error {
	return icm.impl.Stop()
}

func (icm *instrumentedCacheManager) IsRunning() bool {
	return icm.impl.IsRunning()
}
