package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sessionsync/internal/engine"
	"sessionsync/internal/executor"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion daemon",
		Long:  "Watches the configured agent log trees, normalizes new log records and serves them to WebSocket subscribers and the HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg, executor.NopBackend{})
			if err != nil {
				return err
			}
			if err := eng.Start(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logrus.WithField("signal", sig.String()).Info("shutting down")

			eng.Stop()
			return nil
		},
	}
	return cmd
}
