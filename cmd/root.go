package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sessionsync/internal/config"
)

var configPath string

// NewRootCmd creates the root command for sessionsync.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sessionsync",
		Short:         "Tail coding-agent session logs and broadcast normalized events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: standard locations)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

// loadConfig resolves the configuration from the --config flag or the
// default search path, and applies the configured log level.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromDefaultPath()
	}
	if err != nil {
		return nil, err
	}
	if level, perr := logrus.ParseLevel(cfg.LogLevel); perr == nil {
		logrus.SetLevel(level)
	}
	return cfg, nil
}
