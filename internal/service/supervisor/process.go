package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/oshokin/twin-agent/internal/domain/device"
)

// Stream names a captured output stream.
type Stream string

// Captured streams.
const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one line of daemon output.
type Line struct {
	// Stream is where the line came from.
	Stream Stream
	// Text is the line without its trailing newline.
	Text string
}

// Process is a handle to a launched daemon.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int
	// ExitCode returns the exit code and true once the process has exited.
	ExitCode() (int, bool)
	// Lines delivers captured output. It is closed when both streams end.
	Lines() <-chan Line
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
}

// Launcher starts daemons.
type Launcher interface {
	// Launch starts spec with the given environment ("KEY=value" entries).
	Launch(spec device.DaemonSpec, environ []string) (Process, error)
}

// ExecLauncher launches daemons as child processes.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(spec device.DaemonSpec, environ []string) (Process, error) {
	if spec.Executable() == "" {
		return nil, device.ErrMalformedDaemon
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	//nolint:gosec // Daemon commands are taken from the desired state.
	cmd := exec.Command(spec.Executable(), spec.Args()...)
	cmd.Env = environ
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = sysProcAttr()

	if err = cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}

	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)

	p := &execProcess{
		cmd:   cmd,
		lines: make(chan Line),
		done:  make(chan struct{}),
	}

	var pumps sync.WaitGroup

	pumps.Go(func() { p.pump(StreamStdout, stdoutR) })
	pumps.Go(func() { p.pump(StreamStderr, stderrR) })

	go func() {
		pumps.Wait()
		close(p.lines)
	}()

	go p.wait()

	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	lines chan Line
	done  chan struct{}

	mu       sync.Mutex
	exitCode int
	exited   bool
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitCode, p.exited
}

func (p *execProcess) Lines() <-chan Line {
	return p.lines
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Terminate() error {
	return ignoreDone(signalGroup(p.cmd.Process, syscall.SIGTERM))
}

func (p *execProcess) Kill() error {
	return ignoreDone(signalGroup(p.cmd.Process, syscall.SIGKILL))
}

func (p *execProcess) wait() {
	_ = p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	p.exitCode, p.exited = code, true
	p.mu.Unlock()

	close(p.done)
}

// pump forwards r line by line until EOF. Lines of any length are accepted so
// the child never blocks on a full pipe.
func (p *execProcess) pump(stream Stream, r *os.File) {
	defer func() {
		_ = r.Close()
	}()

	reader := bufio.NewReader(r)

	for {
		text, err := reader.ReadString('\n')
		if text = strings.TrimRight(text, "\r\n"); text != "" || err == nil {
			p.lines <- Line{Stream: stream, Text: text}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.lines <- Line{Stream: stream, Text: "read error: " + err.Error()}
			}

			return
		}
	}
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}

	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
