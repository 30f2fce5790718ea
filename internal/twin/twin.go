package twin

import (
	"context"
	"errors"
	"strings"
)

// RestartMarker is the property name (or body) of a cloud-to-device message
// that asks the agent to restart.
const RestartMarker = "RESTART"

var (
	// ErrConnection is returned when the remote session cannot be established.
	ErrConnection = errors.New("twin connection failed")
	// ErrFetch is returned when desired state cannot be fetched.
	ErrFetch = errors.New("twin fetch failed")
	// ErrPush is returned when reported state cannot be pushed.
	ErrPush = errors.New("twin push failed")
	// ErrNotConnected is returned by operations that need an open session.
	ErrNotConnected = errors.New("twin client is not connected")
)

// Client is the remote desired/reported-state channel of a device.
type Client interface {
	// Connect opens the remote session. Failures wrap ErrConnection.
	Connect(ctx context.Context) error
	// Disconnect closes the remote session and stops signal delivery.
	Disconnect(ctx context.Context) error
	// IsConnected reports whether the remote session is usable.
	IsConnected() bool
	// FetchDesiredState returns the desired-state document.
	// A nil map means the remote side holds no document. Failures wrap ErrFetch.
	FetchDesiredState(ctx context.Context) (map[string]any, error)
	// PushReportedState replaces the reported-state document. Failures wrap ErrPush.
	PushReportedState(ctx context.Context, reported map[string]any) error
	// Signals delivers out-of-band cloud-to-device messages.
	Signals() <-chan Signal
}

// Signal is an out-of-band cloud-to-device message.
type Signal struct {
	// ID identifies the message for logs.
	ID string
	// Properties are the message's custom properties.
	Properties map[string]string
	// Body is the raw message payload.
	Body string
}

// IsRestart reports whether the message carries the restart marker, either as
// the whole body or as a property with any non-empty value. Values such as
// "false" or "0" still request a restart.
func (s Signal) IsRestart() bool {
	if strings.TrimSpace(s.Body) == RestartMarker {
		return true
	}

	for name, value := range s.Properties {
		if strings.EqualFold(name, RestartMarker) && value != "" {
			return true
		}
	}

	return false
}
