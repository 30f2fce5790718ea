package reconcile

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/oshokin/twin-agent/internal/domain/device"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/metrics"
	"github.com/oshokin/twin-agent/internal/repository/environ"
	"github.com/oshokin/twin-agent/internal/service/updater"
	"github.com/oshokin/twin-agent/internal/twin"
)

// ReportEnviron is the reported-state section holding the process environment.
const ReportEnviron = "environ"

// Updater re-applies the artifact manifest.
type Updater interface {
	Apply(ctx context.Context, entries []device.ManifestEntry) ([]updater.Result, error)
}

// EnvStore persists environment overrides.
type EnvStore interface {
	Save(env device.EnvironmentOverrides) error
}

// Reporter produces one section of the reported state. It must return values
// representable as JSON: maps with string keys, slices, strings, numbers and booleans.
type Reporter func() any

// Engine runs the reconcile loop: fetch desired state, merge it, push the
// reported state when something changed.
type Engine struct {
	// client is the remote state channel.
	client twin.Client
	// state is shared with the supervisor and the orchestrator.
	state *device.State
	// updater is optional; when set every iteration re-applies the manifest.
	updater Updater
	// envStore is optional; when set applied overrides are persisted.
	envStore EnvStore
	// reporters add sections to the reported state.
	reporters map[string]Reporter
	// metrics is optional.
	metrics *metrics.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithUpdater re-applies the manifest on every iteration.
func WithUpdater(u Updater) Option {
	return func(e *Engine) {
		e.updater = u
	}
}

// WithEnvStore persists environment overrides after they are applied.
func WithEnvStore(s EnvStore) Option {
	return func(e *Engine) {
		e.envStore = s
	}
}

// WithReporter adds a named section to the reported state.
func WithReporter(name string, r Reporter) Option {
	return func(e *Engine) {
		if name != "" && r != nil {
			e.reporters[name] = r
		}
	}
}

// WithMetrics records iterations and pushes on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// NewEngine creates an Engine for client and state.
func NewEngine(client twin.Client, state *device.State, opts ...Option) *Engine {
	e := &Engine{
		client:    client,
		state:     state,
		reporters: make(map[string]Reporter),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Refresh fetches the desired state once and merges it. Environment overrides
// are applied to the process environment immediately. It reports whether the
// snapshot changed.
func (e *Engine) Refresh(ctx context.Context) (bool, error) {
	desired, err := e.client.FetchDesiredState(ctx)
	if err != nil {
		return false, err
	}

	if desired == nil {
		logger.Debug(ctx, "No desired state document")
		return false, nil
	}

	changed := e.state.Merge(desired)
	if changed {
		logger.InfoKV(ctx, "Desired state changed", "keys", len(desired))
	}

	if _, ok := desired[device.KeyEnviron]; ok {
		e.applyEnviron(ctx)
	}

	return changed, nil
}

// Run loops until a restart is requested or ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "reconcile")
	restart := e.state.Restart()

	logger.InfoKV(ctx, "Reconcile loop started", "period", e.state.SyncPeriod().String())

	for {
		if !e.iterate(ctx) {
			return nil
		}

		timer := time.NewTimer(e.state.SyncPeriod())

		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info(ctx, "Context canceled, stopping reconcile loop")

			return nil
		case <-restart.Done():
			timer.Stop()
			logger.InfoKV(ctx, "Restart requested, stopping reconcile loop", "reason", restart.Reason())

			return nil
		case <-timer.C:
		}
	}
}

// iterate runs one reconcile step and reports whether the loop should go on.
func (e *Engine) iterate(ctx context.Context) bool {
	restart := e.state.Restart()
	if restart.Requested() {
		return false
	}

	if _, err := e.Refresh(ctx); err != nil {
		logger.WarnKV(ctx, "Fetch desired state failed, retrying next iteration", "error", err)
		e.metrics.IncSyncIteration(metrics.ResultFailure)

		return true
	}

	if e.state.IsEmpty() {
		logger.Warn(ctx, "Desired state is empty, requesting restart")
		e.metrics.IncSyncIteration(metrics.ResultSkipped)

		if restart.Trigger(device.ReasonEmptyDesiredState) {
			e.metrics.IncRestart(device.ReasonEmptyDesiredState)
		}

		return false
	}

	e.applyManifest(ctx)

	if e.state.ConfigUpdated() {
		e.push(ctx)
	}

	e.metrics.IncSyncIteration(metrics.ResultSuccess)

	return true
}

// push sends the reported state; on failure the pending flag stays set so the
// next iteration retries.
func (e *Engine) push(ctx context.Context) {
	if err := e.client.PushReportedState(ctx, e.Snapshot()); err != nil {
		logger.WarnKV(ctx, "Push reported state failed, retrying next iteration", "error", err)
		e.metrics.IncPush(metrics.ResultFailure)

		return
	}

	e.state.MarkPushed()
	e.metrics.IncPush(metrics.ResultSuccess)
	logger.Info(ctx, "Reported state pushed")
}

// Snapshot collects the reported state: the process environment plus every
// registered reporter section.
func (e *Engine) Snapshot() map[string]any {
	env := make(map[string]any)

	for _, entry := range os.Environ() {
		if name, value, ok := strings.Cut(entry, "="); ok && name != "" {
			env[name] = value
		}
	}

	snapshot := map[string]any{
		ReportEnviron: env,
	}

	for name, reporter := range e.reporters {
		snapshot[name] = reporter()
	}

	return snapshot
}

func (e *Engine) applyEnviron(ctx context.Context) {
	env := e.state.Environ()
	if len(env) == 0 {
		return
	}

	if err := environ.Apply(env); err != nil {
		logger.WarnKV(ctx, "Unable to apply environment overrides", "error", err)
	}

	if e.envStore == nil {
		return
	}

	if err := e.envStore.Save(env); err != nil {
		logger.WarnKV(ctx, "Unable to persist environment overrides", "error", err)
	}
}

func (e *Engine) applyManifest(ctx context.Context) {
	if e.updater == nil {
		return
	}

	entries, err := e.state.Manifest()
	if err != nil {
		logger.WarnKV(ctx, "Skipping malformed checkout entries", "error", err)
	}

	if len(entries) == 0 {
		return
	}

	if _, err = e.updater.Apply(ctx, entries); err != nil {
		logger.WarnKV(ctx, "Update pass skipped", "error", err)
	}
}
