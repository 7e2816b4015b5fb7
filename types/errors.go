package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrServerStopFailed     = errors.New("server stop failed")
	ErrEndpointExists       = errors.New("endpoint already registered")
	ErrHandlerIsNil         = errors.New("handler is nil")
)

var (
	ErrConfiguration         = errors.New("configuration error")
	ErrUnitNotFound          = errors.New("middleware unit not found")
	ErrUnitExists            = errors.New("middleware unit already registered")
	ErrUnitIsNil             = errors.New("middleware unit is nil")
	ErrUnitKindMismatch      = errors.New("middleware unit kind mismatch")
	ErrUnitParamsInvalid     = errors.New("middleware unit params invalid")
	ErrScopeFrozen           = errors.New("scope frozen after endpoint build")
	ErrRouteWithoutAction    = errors.New("route has no bound action")
	ErrSpecStringMalformed   = errors.New("middleware spec string malformed")
	ErrPermissionCacheFailed = errors.New("permission cache operation failed")
)

var (
	ErrCacheNotFound        = errors.New("cache not found")
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheTypeUnknown     = errors.New("cache type unknown")
	ErrCacheOperationFailed = errors.New("cache operation failed")
	ErrCacheIsDisabled      = errors.New("cache manager is disabled")
)

var (
	ErrEventsNotInitialized = errors.New("events not initialized")
	ErrEventsPublishFailed  = errors.New("events publish failed")
	ErrEventsConfigInvalid  = errors.New("events config invalid")
	ErrEventsTypeUnknown    = errors.New("events broker type unknown")
	ErrEventsIsDisabled     = errors.New("events broker is disabled")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobTimeout        = errors.New("cron job timeout")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
)

var (
	ErrMetricsTypeUnknown   = errors.New("metrics type unknown")
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
	ErrMetricsIsDisabled    = errors.New("metrics manager is disabled")
	ErrMetricsNotRunning    = errors.New("metrics manager is not running")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
	ErrHealthIsNotRunning = errors.New("health manager is not running")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning     = errors.New("service is running")
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrComponentStopFailed  = errors.New("component stop failed")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

// ConfigErrorf marks a registration-time defect. The result matches
// both ErrConfiguration and the specific sentinel under errors.Is.
func ConfigErrorf(detail error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w: %s", ErrConfiguration, detail, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
