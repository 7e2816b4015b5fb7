package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-gate/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
name: gate-test
version: 1.2.3
server:
  http:
    port: 9090
pipeline:
  permission_cache:
    enabled: true
    flush_schedule: "0 * * * *"
  middlewares:
    enabled: true
    rate_limit:
      enabled: true
      params:
        limit: 5
        window_seconds: 30
`

func TestManagerLoadsFileOverDefaults(t *testing.T) {
	manager, err := NewConfigurationManager(context.Background(), writeConfig(t, minimalConfig))
	require.NoError(t, err)

	cfg := manager.GetConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "gate-test", cfg.Name)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, 9090, cfg.Server.HTTP.Port)
	assert.Equal(t, "localhost", cfg.Server.HTTP.Host, "unset fields keep their defaults")
	assert.Equal(t, 30, cfg.Server.HTTP.ReadTimeout)

	require.NotNil(t, cfg.Pipeline)
	assert.True(t, cfg.Pipeline.PermissionCache.Enabled)
	assert.Equal(t, "0 * * * *", cfg.Pipeline.PermissionCache.FlushSchedule)

	middlewares := cfg.Pipeline.Middlewares
	require.NotNil(t, middlewares)
	assert.True(t, middlewares.Enabled)
	assert.True(t, middlewares.RateLimit.Enabled)
	assert.True(t, middlewares.RequestMeta.Enabled, "default request_meta survives a partial middlewares block")
}

func TestManagerRejectsMissingFile(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	// name is required.
	_, err := NewConfigurationManager(context.Background(), writeConfig(t, "version: 1.0.0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestManagerRejectsMalformedYAML(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), writeConfig(t, "name: [unclosed\n"))
	assert.Error(t, err)
}

func TestGetValueByDotPath(t *testing.T) {
	manager, err := NewConfigurationManager(context.Background(), writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, manager.GetValue("server.http.port", 0))
	assert.Equal(t, 5, manager.GetValue("pipeline.middlewares.rate_limit.params.limit", 0))
	assert.Equal(t, "fallback", manager.GetValue("server.http.missing", "fallback"))
	assert.Equal(t, 42, manager.GetValue("no.such.path", 42))
}

func TestGetAsDecodesSubtree(t *testing.T) {
	manager, err := NewConfigurationManager(context.Background(), writeConfig(t, minimalConfig))
	require.NoError(t, err)

	var http types.HTTPConfig
	require.NoError(t, manager.GetAs("server.http", &http))
	assert.Equal(t, 9090, http.Port)

	var missing types.HTTPConfig
	err = manager.GetAs("server.grpc", &missing)
	assert.Error(t, err)
}

func TestManagerLifecycleGates(t *testing.T) {
	manager, err := NewConfigurationManager(context.Background(), writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Error(t, manager.Stop(), "stop before start is refused")

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.Error(t, manager.Start())

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
	assert.Nil(t, manager.GetConfig(), "stop releases the loaded configuration")
}

func TestLoaderDefaults(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)

	defaults := loader.Defaults()

	assert.Equal(t, "localhost", defaults.Server.HTTP.Host)
	assert.Equal(t, 8080, defaults.Server.HTTP.Port)
	assert.False(t, defaults.Server.TLS.Enabled)
	assert.True(t, defaults.Pipeline.PermissionCache.Enabled,
		"permission caching is on unless explicitly disabled")
	assert.Empty(t, defaults.Pipeline.PermissionCache.FlushSchedule)
	assert.False(t, defaults.Pipeline.Middlewares.Enabled)
	assert.True(t, defaults.Pipeline.Middlewares.RequestMeta.Enabled)
	assert.False(t, defaults.Cache.Enabled)
	assert.False(t, defaults.Health.Enabled)
	assert.Equal(t, "/metrics", defaults.Metrics.HTTP.Path)
}

func TestParserNavigation(t *testing.T) {
	parser := NewParser(&map[string]interface{}{
		"outer": map[string]interface{}{
			"inner": map[string]interface{}{
				"leaf": "value",
			},
			"list": []interface{}{"a", "b"},
		},
	})

	assert.Equal(t, "value", parser.GetValue("outer.inner.leaf", nil))
	assert.Equal(t, []interface{}{"a", "b"}, parser.GetValue("outer.list", nil))
	assert.Nil(t, parser.GetValue("outer.inner.leaf.deeper", nil),
		"scalars terminate navigation")
	assert.Equal(t, "dflt", parser.GetValue("outer.absent", "dflt"))
}
