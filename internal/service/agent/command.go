package agent

import (
	"context"
	"fmt"

	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/domain/device"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/metrics"
	"github.com/oshokin/twin-agent/internal/repository/environ"
	"github.com/oshokin/twin-agent/internal/service/updater"
	"github.com/oshokin/twin-agent/internal/twin"
	"github.com/oshokin/twin-agent/internal/twin/grpctwin"
	"github.com/oshokin/twin-agent/internal/twin/natstwin"
)

// Options controls the twin-agent process. Non-empty fields override the
// settings file.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// DeviceID overrides the device id.
	DeviceID string
	// Backend overrides the remote state transport.
	Backend string
	// HubAddress overrides the twin-hub address.
	HubAddress string
	// NATSURL overrides the NATS server URL.
	NATSURL string
	// SyncPeriod overrides the reconcile period in seconds.
	SyncPeriod int
	// MetricsAddress overrides the Prometheus listen address.
	MetricsAddress string
	// DotenvFile overrides the dotenv file with base variables.
	DotenvFile string
}

// Run starts the agent and blocks until a restart is requested, a daemon
// cannot be launched or ctx is canceled.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "twin-agent")

	// Load settings from configuration file.
	settings, err := config.LoadAgent(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if err = applyOverrides(settings, opts); err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}

	if level, ok := logger.ParseLogLevel(settings.LogLevel); ok {
		logger.SetLevel(level)
	}

	ctx = logger.WithKV(ctx, "device_id", settings.DeviceID)

	applied, err := environ.LoadDefaults(settings.DotenvFile)
	if err != nil {
		logger.WarnKV(ctx, "Unable to load dotenv defaults", "path", settings.DotenvFile, "error", err)
	} else if applied > 0 {
		logger.InfoKV(ctx, "Loaded dotenv defaults", "path", settings.DotenvFile, "count", applied)
	}

	// Restore the environment overrides applied by the previous run.
	envStore := environ.NewFileRepository(settings.EnvFile)

	restored, err := envStore.Restore()
	if err != nil {
		logger.WarnKV(ctx, "Unable to restore environment overrides", "path", envStore.Path(), "error", err)
	} else if len(restored) > 0 {
		logger.InfoKV(ctx, "Restored environment overrides", "path", envStore.Path(), "count", len(restored))
	}

	recorder := metrics.NewRecorder(nil)

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()

	go func() {
		if serveErr := metrics.Serve(metricsCtx, settings.MetricsAddress, recorder); serveErr != nil {
			logger.WarnKV(ctx, "Metrics endpoint stopped", "error", serveErr)
		}
	}()

	client, err := newClient(settings)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Starting agent",
		"backend", settings.Backend,
		"sync_period", device.ResolveSyncPeriod(settings.SyncPeriod).String())

	agent := New(client, device.NewState(device.ResolveSyncPeriod(settings.SyncPeriod)),
		WithIdentity(settings.DeviceID, string(settings.Backend)),
		WithFetcher(updater.NewSchemeFetcher(updater.WithMaxSize(settings.MaxArtifactSize))),
		WithEnvStore(envStore),
		WithMetrics(recorder),
		WithTimeout(settings.Timeout),
	)

	return agent.Run(ctx)
}

// newClient builds the twin client of the configured backend.
func newClient(settings *config.AgentConfig) (twin.Client, error) {
	switch settings.Backend {
	case config.BackendNATS:
		client, err := natstwin.New(settings.NATSURL, settings.DeviceID,
			natstwin.WithBucket(settings.NATSBucket),
			natstwin.WithTimeout(settings.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create nats client: %w", err)
		}

		return client, nil
	default:
		client, err := grpctwin.New(settings.HubAddress, settings.DeviceID,
			grpctwin.WithCallTimeout(settings.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create grpc client: %w", err)
		}

		return client, nil
	}
}

// applyOverrides replaces settings with non-empty command line values and
// validates the result.
func applyOverrides(settings *config.AgentConfig, opts *Options) error {
	if opts.DeviceID != "" {
		settings.DeviceID = opts.DeviceID
	}

	if opts.Backend != "" {
		settings.Backend = config.Backend(opts.Backend)
	}

	if opts.HubAddress != "" {
		settings.HubAddress = opts.HubAddress
	}

	if opts.NATSURL != "" {
		settings.NATSURL = opts.NATSURL
	}

	if opts.SyncPeriod > 0 {
		settings.SyncPeriod = opts.SyncPeriod
	}

	if opts.MetricsAddress != "" {
		settings.MetricsAddress = opts.MetricsAddress
	}

	if opts.DotenvFile != "" {
		settings.DotenvFile = opts.DotenvFile
	}

	return config.ValidateAgent(settings)
}
