package commands

import (
	"fmt"
	"path/filepath"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/config"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// defaultPidPath returns the pid file location under the run directory.
func defaultPidPath(cfg *config.Config) string {
	return filepath.Join(cfg.RunDir, "citserver.pid")
}

// defaultLogPath returns the daemon log file location under the data
// directory.
func defaultLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "citserver.log")
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
