package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-gate/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() (*Loader, error) {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.GateConfig, *map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.WrapError(err, "failed to parse YAML config")
	}

	rawData := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &rawData); err != nil {
		return nil, nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.WrapError(err, "config validation failed")
	}

	return config, &rawData, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.GateConfig {
	return &types.GateConfig{
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 30,
			},
			TLS: &types.TLSConfig{
				Enabled: false,
			},
		},
		Logger: &types.LoggerConfig{
			Level: "debug",
		},
		Cache: &types.CacheConfig{
			Enabled:    false,
			Type:       "memory",
			DefaultTTL: time.Hour,
		},
		Pipeline: &types.PipelineConfig{
			PermissionCache: &types.PermissionCacheConfig{
				Enabled:       true,
				FlushSchedule: "",
			},
			Middlewares: &types.MiddlewaresConfig{
				Enabled: false,
				RequestMeta: &types.MiddlewareItemConfig{
					Enabled: true,
					Params: map[string]interface{}{
						"generate_request_id": true,
						"actor_header":        "X-Actor-ID",
					},
				},
				Roles: &types.MiddlewareItemConfig{
					Enabled: false,
					Params: map[string]interface{}{
						"required": []string{},
					},
				},
				RateLimit: &types.MiddlewareItemConfig{
					Enabled: false,
					Params: map[string]interface{}{
						"limit":          100,
						"window_seconds": 60,
					},
				},
				BodyLimit: &types.MiddlewareItemConfig{
					Enabled: false,
					Params: map[string]interface{}{
						"max_body_size": 10485760,
					},
				},
				ResponseCache: &types.MiddlewareItemConfig{
					Enabled: false,
					Params: map[string]interface{}{
						"ttl_seconds": 300,
					},
				},
				Compression: &types.MiddlewareItemConfig{
					Enabled: false,
					Params: map[string]interface{}{
						"level": 4,
					},
				},
				Audit: &types.MiddlewareItemConfig{
					Enabled: false,
					Params: map[string]interface{}{
						"log_headers": false,
					},
				},
			},
		},
		Events: &types.EventsConfig{
			Enabled: false,
			Type:    "",
		},
		Cron: &types.CronConfig{
			Enabled:  false,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
			HTTP: types.MetricsHTTPConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Health: &types.HealthConfig{
			Enabled: false,
		},
	}
}
