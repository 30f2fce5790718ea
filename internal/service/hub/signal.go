package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	api "github.com/oshokin/twin-agent/internal/api/grpc/twinhub"
	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/twin"
)

// SignalOptions controls a one-shot signal delivery.
type SignalOptions struct {
	// ConfigPath specifies the hub settings file, used for the address and timeout.
	ConfigPath string
	// Address overrides the hub address.
	Address string
	// DeviceID is the target device.
	DeviceID string
	// Restart sends the restart marker.
	Restart bool
	// Body is the message payload.
	Body string
	// Properties are custom message properties.
	Properties map[string]string
}

const (
	signalAttempts     = 3
	signalInitialDelay = 200 * time.Millisecond
	signalMaxDelay     = 2 * time.Second
)

var (
	// errDeviceRequired is returned when no target device is given.
	errDeviceRequired = errors.New("device id must be provided")
	// errEmptySignal is returned when neither body, properties nor restart is given.
	errEmptySignal = errors.New("signal has no body, properties or restart marker")
)

// SendSignal delivers one signal through a running hub and returns the number
// of agents that received it.
func SendSignal(ctx context.Context, opts *SignalOptions) (int, error) {
	ctx = logger.WithName(ctx, "twin-signal")

	if opts.DeviceID == "" {
		return 0, errDeviceRequired
	}

	address, timeout, err := resolveSignalTarget(opts)
	if err != nil {
		return 0, err
	}

	signal, err := buildSignal(opts)
	if err != nil {
		return 0, err
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, fmt.Errorf("dial twin hub: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	client := api.NewTwinHubClient(conn)

	var delivered int

	err = retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		delivered, err = client.SendSignal(callCtx, opts.DeviceID, signal)

		return err
	},
		retry.Context(ctx),
		retry.Attempts(signalAttempts),
		retry.Delay(signalInitialDelay),
		retry.MaxDelay(signalMaxDelay),
	)
	if err != nil {
		return 0, fmt.Errorf("send signal: %w", err)
	}

	logger.InfoKV(ctx, "Signal sent", "device_id", opts.DeviceID, "signal_id", signal.ID, "delivered", delivered)

	return delivered, nil
}

// resolveSignalTarget picks the hub address and call timeout. An explicit
// address needs no settings file.
func resolveSignalTarget(opts *SignalOptions) (string, time.Duration, error) {
	if opts.Address != "" {
		return opts.Address, config.DefaultTimeout, nil
	}

	settings, err := config.LoadHub(opts.ConfigPath)
	if err != nil {
		return "", 0, fmt.Errorf("load settings: %w", err)
	}

	return dialAddress(settings.ListenAddress), settings.Timeout, nil
}

// dialAddress turns a listen address such as ":9090" into a dialable one.
func dialAddress(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}

	switch host {
	case "", "0.0.0.0", "::":
		return net.JoinHostPort("localhost", port)
	default:
		return listen
	}
}

func buildSignal(opts *SignalOptions) (twin.Signal, error) {
	signal := twin.Signal{
		ID:         uuid.NewString(),
		Body:       opts.Body,
		Properties: make(map[string]string, len(opts.Properties)+1),
	}

	for name, value := range opts.Properties {
		signal.Properties[name] = value
	}

	if opts.Restart {
		signal.Properties[twin.RestartMarker] = "true"
	}

	if signal.Body == "" && len(signal.Properties) == 0 {
		return twin.Signal{}, errEmptySignal
	}

	return signal, nil
}
