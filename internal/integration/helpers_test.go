package integration

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/service/hub"
)

// hubFixture is a running twin hub backed by temporary files.
type hubFixture struct {
	addr        string
	desiredFile string
	reportedDir string
}

// reservePort returns a free localhost address.
func reservePort(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	_ = l.Close()

	return addr
}

// startHub runs the hub until the test ends and waits until it accepts connections.
func startHub(t *testing.T, desired map[string]any) *hubFixture {
	t.Helper()

	dir := t.TempDir()
	fixture := &hubFixture{
		addr:        reservePort(t),
		desiredFile: filepath.Join(dir, "desired.yaml"),
		reportedDir: filepath.Join(dir, "reported"),
	}

	fixture.writeDesired(t, desired)

	cfgPath := filepath.Join(dir, "twin-hub.yaml")
	require.NoError(t, config.SaveHub(cfgPath, &config.HubConfig{
		ListenAddress: fixture.addr,
		DesiredFile:   fixture.desiredFile,
		ReportedDir:   fixture.reportedDir,
		Timeout:       5 * time.Second,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = hub.Run(ctx, &hub.Options{ConfigPath: cfgPath}) //nolint:errcheck // Failures surface as dial errors below.
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fixture.addr, 100*time.Millisecond)
		if err != nil {
			return false
		}

		_ = conn.Close()

		return true
	}, 5*time.Second, 20*time.Millisecond)

	return fixture
}

// writeDesired replaces the desired-state file.
func (f *hubFixture) writeDesired(t *testing.T, desired map[string]any) {
	t.Helper()

	contents, err := yaml.Marshal(desired)
	require.NoError(t, err)

	tmp := f.desiredFile + ".tmp"
	require.NoError(t, os.WriteFile(tmp, contents, 0o600))
	require.NoError(t, os.Rename(tmp, f.desiredFile))
}

// unsetenv removes name from the environment when the test ends.
func unsetenv(t *testing.T, name string) {
	t.Helper()

	t.Cleanup(func() {
		_ = os.Unsetenv(name)
	})
}
