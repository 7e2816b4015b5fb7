package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *GateConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type GateConfig struct {
	Name     string          `yaml:"name" json:"name" validate:"required"`
	Version  string          `yaml:"version" json:"version" validate:"required"`
	Server   *ServerConfig   `yaml:"server" json:"server"`
	Logger   *LoggerConfig   `yaml:"logger" json:"logger"`
	Cache    *CacheConfig    `yaml:"cache" json:"cache"`
	Pipeline *PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Events   *EventsConfig   `yaml:"events" json:"events"`
	Cron     *CronConfig     `yaml:"cron" json:"cron"`
	Metrics  *MetricsConfig  `yaml:"metrics" json:"metrics"`
	Health   *HealthConfig   `yaml:"health" json:"health"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type TLSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	CertFile      string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile       string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	AutoCert      bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains       []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Email         string   `yaml:"email,omitempty" json:"email,omitempty"`
	CacheDir      string   `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	ACMEDirectory string   `yaml:"acme_directory,omitempty" json:"acme_directory,omitempty"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Type       string        `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config     interface{}   `yaml:"config" json:"config"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
}

// PipelineConfig tunes the composed request pipeline itself, as
// opposed to the units registered on it.
type PipelineConfig struct {
	PermissionCache *PermissionCacheConfig `yaml:"permission_cache" json:"permission_cache"`
	Middlewares     *MiddlewaresConfig     `yaml:"middlewares" json:"middlewares"`
}

type PermissionCacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// FlushSchedule is a cron spec; empty keeps entries for the
	// process lifetime.
	FlushSchedule string `yaml:"flush_schedule" json:"flush_schedule"`
}

type MiddlewaresConfig struct {
	Enabled       bool                  `yaml:"enabled" json:"enabled"`
	Roles         *MiddlewareItemConfig `yaml:"roles" json:"roles"`
	RateLimit     *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
	BodyLimit     *MiddlewareItemConfig `yaml:"body_limit" json:"body_limit"`
	RequestMeta   *MiddlewareItemConfig `yaml:"request_meta" json:"request_meta"`
	ResponseCache *MiddlewareItemConfig `yaml:"response_cache" json:"response_cache"`
	Compression   *MiddlewareItemConfig `yaml:"compression" json:"compression"`
	Audit         *MiddlewareItemConfig `yaml:"audit" json:"audit"`
	CORS          *MiddlewareItemConfig `yaml:"cors" json:"cors"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type EventsConfig struct {
	Enabled  bool                  `yaml:"enabled" json:"enabled"`
	Webhook  bool                  `yaml:"webhook" json:"webhook"`
	Type     string                `yaml:"type" json:"type"`
	Config   interface{}           `yaml:"config" json:"config"`
	Webhooks []WebhookTargetConfig `yaml:"webhooks" json:"webhooks" validate:"omitempty,dive"`
}

type WebhookTargetConfig struct {
	Event   string            `yaml:"event" json:"event" validate:"required"`
	URL     string            `yaml:"url" json:"url" validate:"required,url"`
	Secret  string            `yaml:"secret" json:"secret"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Prefix  string            `yaml:"prefix" json:"prefix"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	HTTP    MetricsHTTPConfig `yaml:"http" json:"http"`
}

type MetricsHTTPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`
}
