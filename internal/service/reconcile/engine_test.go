package reconcile

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/twin-agent/internal/domain/device"
	"github.com/oshokin/twin-agent/internal/service/updater"
	"github.com/oshokin/twin-agent/internal/twin/twintest"
)

const testPeriod = 10 * time.Millisecond

var errBoom = errors.New("boom")

type recordingUpdater struct {
	mu     sync.Mutex
	passes [][]device.ManifestEntry
}

func (u *recordingUpdater) Apply(_ context.Context, entries []device.ManifestEntry) ([]updater.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.passes = append(u.passes, entries)

	return nil, nil
}

type memoryEnvStore struct {
	mu    sync.Mutex
	saved device.EnvironmentOverrides
}

func (s *memoryEnvStore) Save(env device.EnvironmentOverrides) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saved = env

	return nil
}

// runFor runs the engine until the deadline and returns its error.
func runFor(t *testing.T, e *Engine, d time.Duration) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	return e.Run(ctx)
}

// TestRun_EmptyDesiredStateRestarts stops after exactly one iteration.
func TestRun_EmptyDesiredStateRestarts(t *testing.T) {
	t.Parallel()

	client := twintest.New(map[string]any{})
	state := device.NewState(testPeriod)

	require.NoError(t, runFor(t, NewEngine(client, state), time.Second))
	require.Equal(t, 1, client.Fetches())
	require.Empty(t, client.Pushed())
	require.True(t, state.Restart().Requested())
	require.Equal(t, device.ReasonEmptyDesiredState, state.Restart().Reason())
}

// TestRun_AbsentDesiredStateRestarts treats a missing document like an empty one.
func TestRun_AbsentDesiredStateRestarts(t *testing.T) {
	t.Parallel()

	client := twintest.New(nil)
	state := device.NewState(testPeriod)

	require.NoError(t, runFor(t, NewEngine(client, state), time.Second))
	require.Equal(t, 1, client.Fetches())
	require.True(t, state.Restart().Requested())
}

// TestRun_PushesOnlyOnChange never pushes again while the desired state stays the same.
func TestRun_PushesOnlyOnChange(t *testing.T) {
	t.Parallel()

	client := twintest.New(map[string]any{"daemons": []any{}, "version": 1.0})
	state := device.NewState(testPeriod)

	require.NoError(t, runFor(t, NewEngine(client, state), 20*testPeriod))
	require.Greater(t, client.Fetches(), 2)
	require.Len(t, client.Pushed(), 1)
	require.False(t, state.ConfigUpdated())
	require.False(t, state.Restart().Requested())
}

// TestRun_PushesAgainAfterChange pushes once per change.
func TestRun_PushesAgainAfterChange(t *testing.T) {
	t.Parallel()

	client := twintest.New(map[string]any{"version": 1.0})
	state := device.NewState(testPeriod)
	engine := NewEngine(client, state)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- engine.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(client.Pushed()) == 1 }, time.Second, testPeriod)

	client.SetDesired(map[string]any{"version": 2.0})

	require.Eventually(t, func() bool { return len(client.Pushed()) == 2 }, time.Second, testPeriod)

	cancel()
	require.NoError(t, <-done)
}

// TestRun_FetchErrorDoesNotRestart keeps looping through fetch failures.
func TestRun_FetchErrorDoesNotRestart(t *testing.T) {
	t.Parallel()

	client := twintest.New(map[string]any{"a": "b"})
	client.FailFetch(errBoom)

	state := device.NewState(testPeriod)

	require.NoError(t, runFor(t, NewEngine(client, state), 10*testPeriod))
	require.Greater(t, client.Fetches(), 1)
	require.False(t, state.Restart().Requested())
	require.Empty(t, client.Pushed())
}

// TestRun_PushFailureIsRetried keeps the pending flag until a push succeeds.
func TestRun_PushFailureIsRetried(t *testing.T) {
	t.Parallel()

	client := twintest.New(map[string]any{"a": "b"})
	client.FailPush(errBoom)

	state := device.NewState(testPeriod)
	engine := NewEngine(client, state)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- engine.Run(ctx)
	}()

	require.Eventually(t, func() bool { return client.Fetches() >= 3 }, time.Second, testPeriod)
	require.True(t, state.ConfigUpdated())

	client.FailPush(nil)

	require.Eventually(t, func() bool { return len(client.Pushed()) == 1 }, time.Second, testPeriod)
	require.Eventually(t, func() bool { return !state.ConfigUpdated() }, time.Second, testPeriod)

	cancel()
	require.NoError(t, <-done)
}

// TestRun_StopsOnRestartSignal wakes from the sleep when a restart is requested elsewhere.
func TestRun_StopsOnRestartSignal(t *testing.T) {
	t.Parallel()

	client := twintest.New(map[string]any{"a": "b"})
	state := device.NewState(time.Hour)

	go func() {
		time.Sleep(5 * testPeriod)
		state.Restart().Trigger(device.ReasonDaemonExited)
	}()

	require.NoError(t, runFor(t, NewEngine(client, state), 5*time.Second))
	require.Equal(t, 1, client.Fetches())
	require.Equal(t, device.ReasonDaemonExited, state.Restart().Reason())
}

// TestRefresh_AppliesEnviron sets overrides in the process environment and persists them.
func TestRefresh_AppliesEnviron(t *testing.T) {
	t.Setenv("TWIN_RECONCILE_P", "")

	client := twintest.New(map[string]any{
		"environ": map[string]any{"TWIN_RECONCILE_P": "V", "TWIN_RECONCILE_N": 3.0},
	})
	t.Setenv("TWIN_RECONCILE_N", "")

	store := &memoryEnvStore{}
	engine := NewEngine(client, device.NewState(testPeriod), WithEnvStore(store))

	changed, err := engine.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "V", os.Getenv("TWIN_RECONCILE_P"))
	require.Equal(t, "3", os.Getenv("TWIN_RECONCILE_N"))
	require.Equal(t, device.EnvironmentOverrides{"TWIN_RECONCILE_P": "V", "TWIN_RECONCILE_N": "3"}, store.saved)

	changed, err = engine.Refresh(context.Background())
	require.NoError(t, err)
	require.False(t, changed)
}

// TestRefresh_FetchError reports the failure without touching the state.
func TestRefresh_FetchError(t *testing.T) {
	t.Parallel()

	client := twintest.New(map[string]any{"a": "b"})
	client.FailFetch(errBoom)

	state := device.NewState(testPeriod)

	_, err := NewEngine(client, state).Refresh(context.Background())
	require.ErrorIs(t, err, errBoom)
	require.True(t, state.IsEmpty())
}

// TestRun_ReappliesManifest hands the checkout entries to the updater every iteration.
func TestRun_ReappliesManifest(t *testing.T) {
	t.Parallel()

	client := twintest.New(map[string]any{
		"checkout": []any{
			map[string]any{"filename": "f", "download": "file://src", "sha256sum": "ABC"},
			map[string]any{"filename": "broken"},
		},
	})

	upd := &recordingUpdater{}
	state := device.NewState(testPeriod)

	require.NoError(t, runFor(t, NewEngine(client, state, WithUpdater(upd)), 10*testPeriod))

	upd.mu.Lock()
	defer upd.mu.Unlock()

	require.NotEmpty(t, upd.passes)
	require.Len(t, upd.passes[0], 1)
	require.Equal(t, "abc", upd.passes[0][0].ExpectedDigest)
	require.Equal(t, "./", upd.passes[0][0].Location)
}

// TestSnapshot includes the environment and every reporter section.
func TestSnapshot(t *testing.T) {
	t.Setenv("TWIN_RECONCILE_SNAPSHOT", "yes")

	engine := NewEngine(twintest.New(nil), device.NewState(testPeriod),
		WithReporter("agent", func() any { return map[string]any{"version": "1"} }),
		WithReporter("", func() any { return "ignored" }),
	)

	snapshot := engine.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, "yes", snapshot[ReportEnviron].(map[string]any)["TWIN_RECONCILE_SNAPSHOT"])
	require.Equal(t, map[string]any{"version": "1"}, snapshot["agent"])
}
