package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/oshokin/twin-agent/internal/domain/device"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/metrics"
)

// ErrLaunch is returned by Run when a configured daemon cannot be started.
var ErrLaunch = errors.New("daemon launch failed")

const (
	// DefaultPollInterval is the delay between exit-code checks.
	DefaultPollInterval = time.Second
	// DefaultGracePeriod is how long a terminated daemon may take to exit before it is killed.
	DefaultGracePeriod = 10 * time.Second
)

// Supervisor launches the configured daemons and watches them until a restart
// is requested.
type Supervisor struct {
	// launcher starts daemon processes.
	launcher Launcher
	// pollInterval is the delay between exit-code checks.
	pollInterval time.Duration
	// gracePeriod bounds the wait between terminate and kill.
	gracePeriod time.Duration
	// metrics is optional.
	metrics *metrics.Recorder

	// mu guards daemons.
	mu sync.RWMutex
	// daemons holds the daemons of the latest Run.
	daemons []*runningDaemon
}

type runningDaemon struct {
	spec    device.DaemonSpec
	process Process
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithPollInterval sets the exit-code polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithGracePeriod sets the delay before unresponsive daemons are killed.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithMetrics records daemon gauges and exits on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Supervisor) {
		s.metrics = r
	}
}

// New creates a Supervisor that launches real child processes unless
// configured otherwise.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher:     ExecLauncher{},
		pollInterval: DefaultPollInterval,
		gracePeriod:  DefaultGracePeriod,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run launches specs with env merged over the current environment and blocks
// until restart fires, a daemon exits or ctx is canceled. Any daemon exit
// triggers restart. Every daemon has exited by the time Run returns.
func (s *Supervisor) Run(
	ctx context.Context,
	specs []device.DaemonSpec,
	env device.EnvironmentOverrides,
	restart *device.RestartSignal,
) error {
	ctx = logger.WithName(ctx, "supervisor")

	if len(specs) == 0 {
		logger.Info(ctx, "No daemons configured")
		return nil
	}

	environ := MergeEnviron(os.Environ(), env)
	daemons := make([]*runningDaemon, 0, len(specs))

	for _, spec := range specs {
		process, err := s.launcher.Launch(spec, environ)
		if err != nil {
			s.stopAll(ctx, daemons)
			return fmt.Errorf("%w: %s: %w", ErrLaunch, spec, err)
		}

		logger.InfoKV(ctx, "Daemon started", "daemon", spec.String(), "pid", process.Pid())

		daemon := &runningDaemon{spec: spec, process: process}
		daemons = append(daemons, daemon)

		go forwardOutput(ctx, daemon)
	}

	s.mu.Lock()
	s.daemons = daemons
	s.mu.Unlock()

	s.metrics.SetDaemonsRunning(len(daemons))

	defer s.stopAll(ctx, daemons)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Context canceled, stopping daemons")
			return nil
		case <-restart.Done():
			logger.InfoKV(ctx, "Restart requested, stopping daemons", "reason", restart.Reason())
			return nil
		case <-ticker.C:
			daemon, code, found := firstExited(daemons)
			if !found {
				continue
			}

			logger.WarnKV(ctx, "Daemon exited, requesting restart",
				"daemon", daemon.spec.String(),
				"pid", daemon.process.Pid(),
				"exit_code", code)

			s.metrics.IncDaemonExit(daemon.spec.Executable())

			if restart.Trigger(device.ReasonDaemonExited) {
				s.metrics.IncRestart(device.ReasonDaemonExited)
			}

			return nil
		}
	}
}

// Status reports the daemons of the latest Run.
func (s *Supervisor) Status() []any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := make([]any, 0, len(s.daemons))

	for _, daemon := range s.daemons {
		argv := make([]any, 0, len(daemon.spec))
		for _, token := range daemon.spec {
			argv = append(argv, token)
		}

		pid := daemon.process.Pid()
		code, exited := daemon.process.ExitCode()

		item := map[string]any{
			"argv":    argv,
			"pid":     pid,
			"running": !exited,
		}

		if exited {
			item["exit_code"] = code
		} else if proc, err := ps.FindProcess(pid); err == nil && proc != nil {
			item["executable"] = proc.Executable()
		}

		report = append(report, item)
	}

	return report
}

// MergeEnviron overlays overrides on base ("KEY=value" entries). Overrides win
// on collision; new keys are appended in sorted order.
func MergeEnviron(base []string, overrides device.EnvironmentOverrides) []string {
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]struct{}, len(overrides))

	for _, entry := range base {
		name, _, _ := strings.Cut(entry, "=")

		if value, ok := overrides[name]; ok {
			if _, dup := seen[name]; dup {
				continue
			}

			seen[name] = struct{}{}
			merged = append(merged, name+"="+value)

			continue
		}

		merged = append(merged, entry)
	}

	for _, name := range slices.Sorted(maps.Keys(overrides)) {
		if _, ok := seen[name]; !ok {
			merged = append(merged, name+"="+overrides[name])
		}
	}

	return merged
}

func firstExited(daemons []*runningDaemon) (*runningDaemon, int, bool) {
	for _, daemon := range daemons {
		if code, exited := daemon.process.ExitCode(); exited {
			return daemon, code, true
		}
	}

	return nil, 0, false
}

func forwardOutput(ctx context.Context, daemon *runningDaemon) {
	name := daemon.spec.Executable()
	pid := daemon.process.Pid()

	for line := range daemon.process.Lines() {
		logger.InfoKV(ctx, line.Text, "daemon", name, "pid", pid, "stream", line.Stream)
	}
}

// stopAll terminates every daemon that is still running, kills the ones that
// outlive the grace period and waits for all of them.
func (s *Supervisor) stopAll(ctx context.Context, daemons []*runningDaemon) {
	ctx = context.WithoutCancel(ctx)

	for _, daemon := range daemons {
		if _, exited := daemon.process.ExitCode(); exited {
			continue
		}

		if err := daemon.process.Terminate(); err != nil {
			logger.WarnKV(ctx, "Terminate failed, killing daemon", "daemon", daemon.spec.String(), "error", err)

			_ = daemon.process.Kill()
		}
	}

	grace := time.NewTimer(s.gracePeriod)
	defer grace.Stop()

	expired := false

	for _, daemon := range daemons {
		if expired {
			select {
			case <-daemon.process.Done():
				continue
			default:
			}
		} else {
			select {
			case <-daemon.process.Done():
				continue
			case <-grace.C:
				expired = true
			}
		}

		logger.WarnKV(ctx, "Daemon ignored termination, killing", "daemon", daemon.spec.String(), "pid", daemon.process.Pid())

		if err := daemon.process.Kill(); err != nil {
			logger.ErrorKV(ctx, "Kill failed", "daemon", daemon.spec.String(), "error", err)
		}

		<-daemon.process.Done()
	}

	s.metrics.SetDaemonsRunning(0)

	if len(daemons) > 0 {
		logger.InfoKV(ctx, "Daemons stopped", "count", len(daemons))
	}
}
