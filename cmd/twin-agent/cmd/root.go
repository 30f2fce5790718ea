package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/service/agent"
	"github.com/oshokin/twin-agent/internal/version"
)

var (
	// options collects command line overrides of the settings file.
	options = &agent.Options{}

	// rootCmd represents the base command for running the device agent.
	rootCmd = &cobra.Command{
		Use:   "twin-agent [device-id]",
		Short: "Converge this device to its desired state.",
		Long: `Runs the device agent.

The agent connects to the remote twin (twin-hub over gRPC or a NATS key-value
bucket), installs the artifacts listed under "checkout", applies "environ" to
its environment and supervises the commands listed under "daemons". It then
polls the desired state every sync period and reports its own state back when
something changes.

The agent exits when the desired state becomes empty, a daemon exits or a
restart signal arrives, and expects a service manager to start it again.
Device id can be provided as argument to override config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if len(args) > 0 {
				options.DeviceID = args[0]
			}

			return agent.Run(ctx, options)
		},
	}
)

// Execute runs the twin-agent CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	flags := rootCmd.Flags()
	flags.StringVarP(&options.ConfigPath, "config", "c", config.DefaultAgentConfigFilename, "path to configuration file")
	flags.StringVarP(&options.Backend, "backend", "b", "", "remote state backend: grpc or nats")
	flags.StringVar(&options.HubAddress, "hub", "", "twin-hub gRPC address")
	flags.StringVar(&options.NATSURL, "nats-url", "", "NATS server URL")
	flags.IntVarP(&options.SyncPeriod, "sync-period", "p", 0, "reconcile period in seconds")
	flags.StringVar(&options.MetricsAddress, "metrics", "", "Prometheus metrics listen address")
	flags.StringVar(&options.DotenvFile, "dotenv", "", "dotenv file with base environment variables")
}
