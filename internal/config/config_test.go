package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Registry.Port)
	assert.Equal(t, 5, cfg.Monitor.IntervalSeconds)
	assert.False(t, cfg.DemoMode)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
registry:
  host: 0.0.0.0
  port: 9100
monitor:
  interval_seconds: 2
demo_mode: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Registry.Host)
	assert.Equal(t, 9100, cfg.Registry.Port)
	assert.Equal(t, 2, cfg.Monitor.IntervalSeconds)
	assert.True(t, cfg.DemoMode)
	assert.Equal(t, "http://0.0.0.0:9100", cfg.Registry.URL())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  port: 9100\n"), 0o644))

	t.Setenv("REGISTRY_PORT", "9200")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DEMO_MODE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Registry.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.DemoMode)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
