package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDirDefaults(cfg)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyDirDefaults picks the data and run directories: the conventional
// system paths as root, per-user paths otherwise.
func applyDirDefaults(cfg *Config) {
	root := os.Geteuid() == 0
	if cfg.DataDir == "" {
		if root {
			cfg.DataDir = "/var/lib/citadel"
		} else {
			cfg.DataDir = userStateDir()
		}
	}
	if cfg.RunDir == "" {
		if root {
			cfg.RunDir = "/var/run/citadel"
		} else {
			cfg.RunDir = cfg.DataDir
		}
	}
}

func userStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "citadel-data"
	}
	return filepath.Join(home, ".local", "share", "citadel")
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false; the port only matters when enabled.
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config with all default values applied. Useful
// for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
