package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/twin-agent/internal/twin"
)

// TestBuildSignal sets the restart marker and rejects empty signals.
func TestBuildSignal(t *testing.T) {
	t.Parallel()

	signal, err := buildSignal(&SignalOptions{Restart: true, Properties: map[string]string{"k": "v"}})
	require.NoError(t, err)
	require.NotEmpty(t, signal.ID)
	require.True(t, signal.IsRestart())
	require.Equal(t, "v", signal.Properties["k"])

	signal, err = buildSignal(&SignalOptions{Body: twin.RestartMarker})
	require.NoError(t, err)
	require.True(t, signal.IsRestart())

	_, err = buildSignal(&SignalOptions{})
	require.ErrorIs(t, err, errEmptySignal)
}

// TestDialAddress replaces wildcard hosts with localhost.
func TestDialAddress(t *testing.T) {
	t.Parallel()

	require.Equal(t, "localhost:9090", dialAddress(":9090"))
	require.Equal(t, "localhost:9090", dialAddress("0.0.0.0:9090"))
	require.Equal(t, "hub.local:9090", dialAddress("hub.local:9090"))
	require.Equal(t, "garbage", dialAddress("garbage"))
}

// TestSendSignal_RequiresDevice fails before dialing.
func TestSendSignal_RequiresDevice(t *testing.T) {
	t.Parallel()

	_, err := SendSignal(context.Background(), &SignalOptions{Address: "localhost:1", Restart: true})
	require.ErrorIs(t, err, errDeviceRequired)
}
