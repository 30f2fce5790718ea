package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/twin-agent/internal/service/hub"
)

var (
	// signalOptions collects the signal to send.
	signalOptions = &hub.SignalOptions{}

	// signalCmd sends one signal to a device through a running hub.
	signalCmd = &cobra.Command{
		Use:   "signal <device-id>",
		Short: "Send a restart or custom signal to a device.",
		Long: `Sends one cloud-to-device signal through a running twin hub.

With --restart the agent of the device stops its daemons and exits so that its
service manager starts it again. Custom properties and a body can be sent too.
The hub address is taken from --address or from the listen address in config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			signalOptions.ConfigPath = configPath
			signalOptions.DeviceID = args[0]

			delivered, err := hub.SendSignal(ctx, signalOptions)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d agent(s)\n", delivered)

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := signalCmd.Flags()
	flags.StringVarP(&signalOptions.Address, "address", "a", "", "twin-hub gRPC address")
	flags.BoolVar(&signalOptions.Restart, "restart", false, "ask the agent to restart")
	flags.StringVar(&signalOptions.Body, "body", "", "signal body")
	flags.StringToStringVarP(&signalOptions.Properties, "property", "p", nil, "signal property as key=value")
}
