package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/twin-agent/internal/service/packager"
	"github.com/oshokin/twin-agent/internal/version"
)

var (
	// options controls the emitted manifest.
	options = &packager.Options{}

	// rootCmd represents the base command for describing artifacts.
	rootCmd = &cobra.Command{
		Use:   "twin-packager <file>...",
		Short: "Describe files as a checkout manifest.",
		Long: `Computes the SHA-256 digest of every file and prints a "checkout" section
for the desired state of a device.

With --base-url the download URLs point at the upload location; without it
they point at the local files.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options.Files = args

			return packager.Run(ctx, options)
		},
	}
)

// Execute runs the twin-packager CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&options.BaseURL, "base-url", "u", "", "URL the files will be published under")
	rootCmd.Flags().StringVarP(&options.Location, "location", "l", "", "destination directory on the device")
	rootCmd.Flags().StringVarP(&options.Output, "output", "o", "", "write the manifest to this file instead of stdout")
}
