package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	assert.Equal(t, "value", EnvOr("TEST_STR", "fallback"))
	assert.Equal(t, "fallback", EnvOr("TEST_STR_UNSET", "fallback"))

	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, EnvOrInt("TEST_INT", 7))
	t.Setenv("TEST_INT_BAD", "nope")
	assert.Equal(t, 7, EnvOrInt("TEST_INT_BAD", 7))

	t.Setenv("TEST_MS", "1500")
	assert.Equal(t, 1500*time.Millisecond, EnvOrDurationMS("TEST_MS", time.Second))
	assert.Equal(t, time.Second, EnvOrDurationMS("TEST_MS_UNSET", time.Second))
}

func TestValidateSSLMode(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	cfg.Database.SSLMode = "require"
	require.NoError(t, cfg.Validate())

	cfg.Database.SSLMode = "sideways"
	require.Error(t, cfg.Validate())
}

func TestGetSanitizedConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Database.User = "admin"
	cfg.Database.Password = "hunter2"
	cfg.Redis.Password = "secret"
	cfg.Database.Host = "db.internal"

	out := cfg.GetSanitizedConfig()
	assert.Empty(t, out.Database.User)
	assert.Empty(t, out.Database.Password)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "db.internal", out.Database.Host)
	// The original is untouched.
	assert.Equal(t, "hunter2", cfg.Database.Password)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: pipeline-test
redis:
  stream_name: metrics-test
database:
  sslmode: disable
`), 0o600))

	prev := *DefaultConfig
	t.Cleanup(func() { *DefaultConfig = prev })

	require.NoError(t, LoadConfig(path))
	assert.Equal(t, "pipeline-test", DefaultConfig.Service.Name)
	assert.Equal(t, "metrics-test", DefaultConfig.Redis.StreamName)
	assert.Equal(t, "disable", DefaultConfig.Database.SSLMode)

	require.Error(t, LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")))
}
