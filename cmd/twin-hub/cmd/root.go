package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/service/hub"
	"github.com/oshokin/twin-agent/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// serveOptions collects command line overrides of the settings file.
	serveOptions = &hub.Options{}

	// rootCmd represents the base command for running the twin hub.
	rootCmd = &cobra.Command{
		Use:   "twin-hub [listen-address]",
		Short: "Serve desired state to device agents and collect their reported state.",
		Long: `Starts the gRPC twin hub.

Desired state is read from a YAML file keyed by device id and reloaded when the
file changes. Reported state is persisted as one JSON file per device. Signals
sent with the "signal" subcommand are fanned out to the subscribed agents.
Listen address can be provided as argument to override config (e.g., :9090).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			if len(args) > 0 {
				serveOptions.ListenAddress = args[0]
			}

			serveOptions.ConfigPath = configPath

			return hub.Run(ctx, serveOptions)
		},
	}
)

// Execute runs the twin-hub CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(signalCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultHubConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&serveOptions.DesiredFile, "desired", "d", "", "desired-state YAML file")
	rootCmd.Flags().StringVarP(&serveOptions.ReportedDir, "reported", "r", "", "directory for reported state")
	rootCmd.Flags().StringVar(&serveOptions.MetricsAddress, "metrics", "", "Prometheus metrics listen address")
}
