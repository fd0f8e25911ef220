package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfigIsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.RunDir)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig().Logging, cfg.Logging)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "citadel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: json
data_dir: /tmp/cit-data
run_dir: /tmp/cit-run
shutdown_timeout: 45s
metrics:
  enabled: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level should be normalized")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output, "unset fields get defaults")
	assert.Equal(t, "/tmp/cit-data", cfg.DataDir)
	assert.Equal(t, "/tmp/cit-run", cfg.RunDir)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port, "enabling metrics defaults the port")
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logging:\n  level: verbose\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"bad metrics port", "metrics:\n  enabled: true\n  port: 99999\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "citadel.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "citadel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "WARN"
	cfg.DataDir = "/srv/citadel"
	cfg.RunAs.User = "citadel"
	cfg.ShutdownTimeout = time.Minute

	path := filepath.Join(t.TempDir(), "sub", "citadel.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "WARN", got.Logging.Level)
	assert.Equal(t, "/srv/citadel", got.DataDir)
	assert.Equal(t, "citadel", got.RunAs.User)
	assert.Equal(t, time.Minute, got.ShutdownTimeout)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("CITADEL_LOGGING_LEVEL", "ERROR")

	path := filepath.Join(t.TempDir(), "citadel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestValidateNamesTheField(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "csv"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Logging.Format")
}
