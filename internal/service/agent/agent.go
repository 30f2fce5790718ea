package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/domain/device"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/metrics"
	"github.com/oshokin/twin-agent/internal/service/reconcile"
	"github.com/oshokin/twin-agent/internal/service/supervisor"
	"github.com/oshokin/twin-agent/internal/service/updater"
	"github.com/oshokin/twin-agent/internal/twin"
	"github.com/oshokin/twin-agent/internal/version"
)

// Reported-state sections added by the agent on top of the environment.
const (
	ReportAgent     = "agent"
	ReportDaemons   = "daemons"
	ReportArtifacts = "artifacts"
)

const (
	defaultConnectAttempts = 5
	defaultConnectDelay    = 500 * time.Millisecond
	defaultConnectMaxDelay = 10 * time.Second
)

// Agent wires one twin client to the reconcile engine, the update manager and
// the process supervisor, and sequences their startup and shutdown.
type Agent struct {
	// client is the only remote state channel of the process.
	client twin.Client
	// state is shared by the engine and the supervisor.
	state *device.State
	// deviceID and backend are reported in the agent section.
	deviceID string
	backend  string
	// instanceID tells agent runs apart in the reported state.
	instanceID string
	// timeout bounds the final disconnect.
	timeout time.Duration
	// host is detected once at construction.
	host hostInfo

	fetcher         updater.Fetcher
	envStore        reconcile.EnvStore
	metrics         *metrics.Recorder
	supervisorOpts  []supervisor.Option
	connectAttempts uint
	connectDelay    time.Duration
}

// Option configures an Agent.
type Option func(*Agent)

// WithIdentity sets the device id and backend name shown in the reported state.
func WithIdentity(deviceID, backend string) Option {
	return func(a *Agent) {
		a.deviceID = deviceID
		a.backend = backend
	}
}

// WithFetcher replaces the artifact fetcher.
func WithFetcher(f updater.Fetcher) Option {
	return func(a *Agent) {
		if f != nil {
			a.fetcher = f
		}
	}
}

// WithEnvStore persists applied environment overrides.
func WithEnvStore(s reconcile.EnvStore) Option {
	return func(a *Agent) {
		a.envStore = s
	}
}

// WithMetrics records agent metrics on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(a *Agent) {
		a.metrics = r
	}
}

// WithSupervisorOptions passes options to the process supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(a *Agent) {
		a.supervisorOpts = append(a.supervisorOpts, opts...)
	}
}

// WithConnectRetry sets how many times and how often Connect is retried.
func WithConnectRetry(attempts uint, delay time.Duration) Option {
	return func(a *Agent) {
		if attempts > 0 {
			a.connectAttempts = attempts
		}

		if delay > 0 {
			a.connectDelay = delay
		}
	}
}

// WithTimeout bounds the final disconnect.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// New creates an Agent for client and state.
func New(client twin.Client, state *device.State, opts ...Option) *Agent {
	a := &Agent{
		client:          client,
		state:           state,
		instanceID:      uuid.NewString(),
		timeout:         config.DefaultTimeout,
		fetcher:         updater.NewSchemeFetcher(),
		connectAttempts: defaultConnectAttempts,
		connectDelay:    defaultConnectDelay,
	}

	for _, opt := range opts {
		opt(a)
	}

	host, err := detectHost()
	if err != nil {
		logger.Warnf(context.Background(), "Unable to detect host identity: %v", err)
	}

	a.host = host

	return a
}

// Run connects, performs the initial fetch and update pass, then runs the
// supervisor and the reconcile loop until a restart is requested or ctx is
// canceled. The client is always disconnected before Run returns. A restart
// ends Run with nil; a daemon launch failure ends it with the error.
func (a *Agent) Run(ctx context.Context) error {
	ctx = logger.WithKV(ctx, "instance_id", a.instanceID)
	restart := a.state.Restart()

	// Connect to the remote twin.
	if err := a.connect(ctx); err != nil {
		return err
	}

	defer a.disconnect(ctx)

	manager := updater.NewManager(a.client, a.fetcher, updater.WithMetrics(a.metrics))
	sup := supervisor.New(append([]supervisor.Option{supervisor.WithMetrics(a.metrics)}, a.supervisorOpts...)...)
	engine := reconcile.NewEngine(a.client, a.state,
		reconcile.WithUpdater(manager),
		reconcile.WithEnvStore(a.envStore),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithReporter(ReportAgent, a.report),
		reconcile.WithReporter(ReportDaemons, func() any { return sup.Status() }),
		reconcile.WithReporter(ReportArtifacts, func() any { return manager.Report() }),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	// Turn remote restart requests into the shared restart signal.
	go a.forwardSignals(groupCtx, restart)

	// Initial fetch and update pass before any daemon starts.
	if _, err := engine.Refresh(ctx); err != nil {
		logger.WarnKV(ctx, "Initial fetch failed, continuing with an empty snapshot", "error", err)
	}

	a.applyManifest(ctx, manager)

	specs, err := a.state.Daemons()
	if err != nil {
		logger.WarnKV(ctx, "Skipping malformed daemon specs", "error", err)
	}

	group.Go(func() error {
		if runErr := sup.Run(groupCtx, specs, a.state.Environ(), restart); runErr != nil {
			a.trigger(restart, device.ReasonTaskFailed)
			return runErr
		}

		return nil
	})

	group.Go(func() error {
		if runErr := engine.Run(groupCtx); runErr != nil {
			a.trigger(restart, device.ReasonTaskFailed)
			return fmt.Errorf("reconcile: %w", runErr)
		}

		return nil
	})

	if err = group.Wait(); err != nil {
		return err
	}

	if restart.Requested() {
		logger.InfoKV(ctx, "Agent stopped for restart", "reason", restart.Reason())
	}

	return nil
}

func (a *Agent) connect(ctx context.Context) error {
	var lastErr error

	err := retry.Do(func() error {
		lastErr = a.client.Connect(ctx)
		if lastErr != nil {
			logger.WarnKV(ctx, "Connect to remote twin failed", "error", lastErr)
		}

		return lastErr
	},
		retry.Context(ctx),
		retry.Attempts(a.connectAttempts),
		retry.Delay(a.connectDelay),
		retry.MaxDelay(defaultConnectMaxDelay),
	)
	if err != nil {
		// Report the last attempt rather than the aggregated retry error.
		if lastErr != nil {
			err = lastErr
		}

		return fmt.Errorf("connect: %w", err)
	}

	logger.Info(ctx, "Connected to remote twin")

	return nil
}

// disconnect uses a fresh bounded context so it runs even after ctx is canceled.
func (a *Agent) disconnect(ctx context.Context) {
	disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	if err := a.client.Disconnect(disconnectCtx); err != nil {
		logger.WarnKV(ctx, "Disconnect from remote twin failed", "error", err)
		return
	}

	logger.Info(ctx, "Disconnected from remote twin")
}

func (a *Agent) applyManifest(ctx context.Context, manager *updater.Manager) {
	entries, err := a.state.Manifest()
	if err != nil {
		logger.WarnKV(ctx, "Skipping malformed checkout entries", "error", err)
	}

	if _, err = manager.Apply(ctx, entries); err != nil {
		logger.WarnKV(ctx, "Initial update pass failed", "error", err)
	}
}

func (a *Agent) forwardSignals(ctx context.Context, restart *device.RestartSignal) {
	signals := a.client.Signals()

	for {
		select {
		case <-ctx.Done():
			return
		case <-restart.Done():
			return
		case signal := <-signals:
			if !signal.IsRestart() {
				logger.InfoKV(ctx, "Ignoring signal", "signal_id", signal.ID, "properties", signal.Properties)
				continue
			}

			logger.InfoKV(ctx, "Restart requested by remote signal", "signal_id", signal.ID)
			a.trigger(restart, device.ReasonRemoteSignal)
		}
	}
}

func (a *Agent) trigger(restart *device.RestartSignal, reason string) {
	if restart.Trigger(reason) {
		a.metrics.IncRestart(reason)
	}
}

// report builds the agent section of the reported state.
func (a *Agent) report() any {
	return map[string]any{
		"instance_id": a.instanceID,
		"device_id":   a.deviceID,
		"backend":     a.backend,
		"hostname":    a.host.Hostname,
		"username":    a.host.Username,
		"build":       version.Report(),
	}
}
