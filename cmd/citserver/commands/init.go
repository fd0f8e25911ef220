package commands

import (
	"fmt"
	"os"

	"github.com/citadel-dev/citadel/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample Citadel configuration file.

By default, the configuration file is created at /etc/citadel/citadel.yaml
when running as root, or $XDG_CONFIG_HOME/citadel/citadel.yaml otherwise.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  citserver init

  # Initialize with custom path
  citserver init --config /etc/citadel/citadel.yaml

  # Force overwrite existing config
  citserver init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists: %s\nUse --force to overwrite", configPath)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: citserver start")
	fmt.Printf("  3. Or specify custom config: citserver start --config %s\n", configPath)
	fmt.Println("\nOn first start a sysop account is created with password \"citadel\".")
	fmt.Println("Log in and change it before opening the server to the network.")

	return nil
}
