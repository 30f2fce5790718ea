// Package twintest provides an in-memory twin.Client for tests.
package twintest

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/oshokin/twin-agent/internal/twin"
)

// Client is an in-memory twin.Client. The zero value is not usable; call New.
type Client struct {
	mu sync.Mutex

	connected  bool
	desired    map[string]any
	fetchErr   error
	pushErr    error
	connectErr error

	fetches     int
	pushed      []map[string]any
	connects    int
	disconnects int

	signals chan twin.Signal
}

var _ twin.Client = (*Client)(nil)

// New creates a disconnected client serving desired.
func New(desired map[string]any) *Client {
	return &Client{
		desired: desired,
		signals: make(chan twin.Signal, 8),
	}
}

// SetDesired replaces the served desired state.
func (c *Client) SetDesired(desired map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.desired = desired
}

// FailFetch makes FetchDesiredState return err; nil clears it.
func (c *Client) FailFetch(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetchErr = err
}

// FailPush makes PushReportedState return err; nil clears it.
func (c *Client) FailPush(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushErr = err
}

// FailConnect makes Connect return err; nil clears it.
func (c *Client) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectErr = err
}

// Send delivers a signal to the agent.
func (c *Client) Send(s twin.Signal) {
	c.signals <- s
}

// Fetches returns the number of FetchDesiredState calls.
func (c *Client) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fetches
}

// Pushed returns every successfully pushed document.
func (c *Client) Pushed() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]map[string]any(nil), c.pushed...)
}

// Connects returns the number of Connect calls.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connects
}

// Disconnects returns the number of Disconnect calls.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.disconnects
}

// Connect implements twin.Client.
func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects++

	if c.connectErr != nil {
		return fmt.Errorf("%w: %w", twin.ErrConnection, c.connectErr)
	}

	c.connected = true

	return nil
}

// Disconnect implements twin.Client.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnects++
	c.connected = false

	return nil
}

// IsConnected implements twin.Client.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// FetchDesiredState implements twin.Client.
func (c *Client) FetchDesiredState(context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches++

	if c.fetchErr != nil {
		return nil, fmt.Errorf("%w: %w", twin.ErrFetch, c.fetchErr)
	}

	if c.desired == nil {
		return nil, nil
	}

	return maps.Clone(c.desired), nil
}

// PushReportedState implements twin.Client.
func (c *Client) PushReportedState(_ context.Context, reported map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pushErr != nil {
		return fmt.Errorf("%w: %w", twin.ErrPush, c.pushErr)
	}

	c.pushed = append(c.pushed, reported)

	return nil
}

// Signals implements twin.Client.
func (c *Client) Signals() <-chan twin.Signal {
	return c.signals
}
