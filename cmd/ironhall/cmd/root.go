package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironhall/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ironhall",
	Short: "Ironhall is a Matrix account and interactive auth server",
	Long: `Ironhall serves the Matrix client-server account endpoints: registration,
password changes and deactivation behind User-Interactive Authentication.
Complete documentation is available at https://github.com/jmcleod/ironhall`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
}

// loadConfig reads --config, or validates the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
