package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lifeline-sos/lifeline/internal/config"
	"github.com/lifeline-sos/lifeline/internal/service/worker"
	"github.com/lifeline-sos/lifeline/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// rootCmd represents the base command for running the background worker.
	rootCmd = &cobra.Command{
		Use:   "lifeline-worker",
		Short: "Run the notification dispatcher, deadline scheduler and retention jobs.",
		Long: `Starts the background worker that consumes orchestration events and
delivers contact notifications with tiered escalation, fires persisted
countdown and escalation deadlines, and sweeps resolved emergencies past
the retention window.

Multiple workers may run side by side: queue groups and leases keep them
from duplicating deliveries or deadline firings.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &worker.Options{
				ConfigPath: configPath,
			}

			return worker.Run(ctx, options)
		},
	}
)

// Execute runs the lifeline-worker CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
}
