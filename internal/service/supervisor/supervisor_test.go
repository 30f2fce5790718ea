package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/twin-agent/internal/domain/device"
)

const testPoll = 10 * time.Millisecond

type fakeProcess struct {
	pid        int
	ignoreTerm bool
	lines      chan Line
	done       chan struct{}

	mu     sync.Mutex
	code   int
	exited bool

	terminated atomic.Bool
	killed     atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:   pid,
		lines: make(chan Line, 8),
		done:  make(chan struct{}),
	}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.code, p.exited
}

func (p *fakeProcess) Lines() <-chan Line    { return p.lines }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)

	if !p.ignoreTerm {
		p.exit(-1)
	}

	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(-1)

	return nil
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return
	}

	p.code, p.exited = code, true

	close(p.lines)
	close(p.done)
}

// fakeLauncher hands out prepared processes in launch order.
type fakeLauncher struct {
	mu        sync.Mutex
	processes []*fakeProcess
	failAt    int
	launched  int
	environ   []string
}

var errNoSuchFile = errors.New("no such file")

func (l *fakeLauncher) Launch(_ device.DaemonSpec, environ []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failAt > 0 && l.launched+1 == l.failAt {
		return nil, errNoSuchFile
	}

	p := l.processes[l.launched]
	l.launched++
	l.environ = environ

	return p, nil
}

func specs(n int) []device.DaemonSpec {
	out := make([]device.DaemonSpec, 0, n)
	for range n {
		out = append(out, device.DaemonSpec{"worker", "--flag"})
	}

	return out
}

// TestRun_NoDaemons returns immediately and launches nothing.
func TestRun_NoDaemons(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	restart := device.NewRestartSignal()

	require.NoError(t, New(WithLauncher(launcher)).Run(context.Background(), nil, nil, restart))
	require.Zero(t, launcher.launched)
	require.False(t, restart.Requested())
}

// TestRun_DaemonExitTriggersRestart stops every daemon once one of them exits.
func TestRun_DaemonExitTriggersRestart(t *testing.T) {
	t.Parallel()

	first, second := newFakeProcess(101), newFakeProcess(102)
	launcher := &fakeLauncher{processes: []*fakeProcess{first, second}}
	restart := device.NewRestartSignal()
	s := New(WithLauncher(launcher), WithPollInterval(testPoll))

	first.lines <- Line{Stream: StreamStdout, Text: "hello"}

	go func() {
		time.Sleep(5 * testPoll)
		first.exit(2)
	}()

	require.NoError(t, s.Run(context.Background(), specs(2), nil, restart))
	require.True(t, restart.Requested())
	require.Equal(t, device.ReasonDaemonExited, restart.Reason())
	require.False(t, first.terminated.Load())
	require.True(t, second.terminated.Load())

	status := s.Status()
	require.Len(t, status, 2)
	require.Equal(t, 2, status[0].(map[string]any)["exit_code"])
	require.Equal(t, false, status[0].(map[string]any)["running"])
	require.Equal(t, []any{"worker", "--flag"}, status[0].(map[string]any)["argv"])
}

// TestRun_StopsOnRestartSignal drains daemons when the restart comes from elsewhere.
func TestRun_StopsOnRestartSignal(t *testing.T) {
	t.Parallel()

	p := newFakeProcess(201)
	restart := device.NewRestartSignal()
	s := New(WithLauncher(&fakeLauncher{processes: []*fakeProcess{p}}), WithPollInterval(testPoll))

	go func() {
		time.Sleep(5 * testPoll)
		restart.Trigger(device.ReasonRemoteSignal)
	}()

	require.NoError(t, s.Run(context.Background(), specs(1), nil, restart))
	require.True(t, p.terminated.Load())
	require.False(t, p.killed.Load())
	require.Equal(t, device.ReasonRemoteSignal, restart.Reason())
}

// TestRun_StopsOnContextCancel terminates daemons without requesting a restart.
func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	p := newFakeProcess(301)
	restart := device.NewRestartSignal()
	s := New(WithLauncher(&fakeLauncher{processes: []*fakeProcess{p}}), WithPollInterval(testPoll))

	ctx, cancel := context.WithTimeout(context.Background(), 5*testPoll)
	defer cancel()

	require.NoError(t, s.Run(ctx, specs(1), nil, restart))
	require.True(t, p.terminated.Load())
	require.False(t, restart.Requested())
}

// TestRun_KillsAfterGracePeriod escalates when a daemon ignores termination.
func TestRun_KillsAfterGracePeriod(t *testing.T) {
	t.Parallel()

	stubborn, polite := newFakeProcess(401), newFakeProcess(402)
	stubborn.ignoreTerm = true

	restart := device.NewRestartSignal()
	restart.Trigger(device.ReasonTaskFailed)

	s := New(
		WithLauncher(&fakeLauncher{processes: []*fakeProcess{stubborn, polite}}),
		WithPollInterval(testPoll),
		WithGracePeriod(testPoll),
	)

	require.NoError(t, s.Run(context.Background(), specs(2), nil, restart))
	require.True(t, stubborn.terminated.Load())
	require.True(t, stubborn.killed.Load())
	require.False(t, polite.killed.Load())
}

// TestRun_LaunchFailure stops already started daemons and reports ErrLaunch.
func TestRun_LaunchFailure(t *testing.T) {
	t.Parallel()

	first := newFakeProcess(501)
	launcher := &fakeLauncher{processes: []*fakeProcess{first}, failAt: 2}
	restart := device.NewRestartSignal()

	err := New(WithLauncher(launcher)).Run(context.Background(), specs(2), nil, restart)
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, errNoSuchFile)
	require.True(t, first.terminated.Load())
	require.False(t, restart.Requested())
}

// TestRun_PassesMergedEnvironment hands overrides to the launcher.
func TestRun_PassesMergedEnvironment(t *testing.T) {
	t.Setenv("TWIN_SUPERVISOR_BASE", "base")
	t.Setenv("TWIN_SUPERVISOR_OVERRIDE", "old")

	launcher := &fakeLauncher{processes: []*fakeProcess{newFakeProcess(601)}}
	restart := device.NewRestartSignal()
	restart.Trigger(device.ReasonTaskFailed)

	env := device.EnvironmentOverrides{"TWIN_SUPERVISOR_OVERRIDE": "new"}

	require.NoError(t, New(WithLauncher(launcher)).Run(context.Background(), specs(1), env, restart))
	require.Contains(t, launcher.environ, "TWIN_SUPERVISOR_BASE=base")
	require.Contains(t, launcher.environ, "TWIN_SUPERVISOR_OVERRIDE=new")
	require.NotContains(t, launcher.environ, "TWIN_SUPERVISOR_OVERRIDE=old")
}

// TestMergeEnviron lets overrides win and appends new keys in order.
func TestMergeEnviron(t *testing.T) {
	t.Parallel()

	merged := MergeEnviron(
		[]string{"A=1", "B=2", "C=3"},
		device.EnvironmentOverrides{"B": "20", "Z": "26", "Y": "25"},
	)

	require.Equal(t, []string{"A=1", "B=20", "C=3", "Y=25", "Z=26"}, merged)
}

// TestRun_RealProcessExit launches a shell that exits with a code taken from the environment.
func TestRun_RealProcessExit(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}

	restart := device.NewRestartSignal()
	s := New(WithPollInterval(testPoll))

	daemons := []device.DaemonSpec{
		{sh, "-c", "echo started; echo oops >&2; exit $TWIN_EXIT_CODE"},
		{sh, "-c", "sleep 30"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.Run(ctx, daemons, device.EnvironmentOverrides{"TWIN_EXIT_CODE": "7"}, restart))
	require.True(t, restart.Requested())

	status := s.Status()
	require.Len(t, status, 2)
	require.Equal(t, 7, status[0].(map[string]any)["exit_code"])
	require.Equal(t, false, status[1].(map[string]any)["running"])
}

// TestExecLauncher_MissingExecutable reports the start error.
func TestExecLauncher_MissingExecutable(t *testing.T) {
	t.Parallel()

	_, err := ExecLauncher{}.Launch(device.DaemonSpec{"/nonexistent/twin-daemon"}, nil)
	require.Error(t, err)

	_, err = ExecLauncher{}.Launch(device.DaemonSpec{}, nil)
	require.ErrorIs(t, err, device.ErrMalformedDaemon)
}
