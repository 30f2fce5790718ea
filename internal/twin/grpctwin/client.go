package grpctwin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	api "github.com/oshokin/twin-agent/internal/api/grpc/twinhub"
	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/twin"
)

// Client is a twin.Client backed by the twin-hub gRPC service.
type Client struct {
	// address is the twin-hub address.
	address string
	// deviceID identifies this device to the hub.
	deviceID string
	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
	// resubscribeDelay is the pause before a broken signal stream is reopened.
	resubscribeDelay time.Duration
	// dialOptions are appended to the defaults.
	dialOptions []grpc.DialOption

	// mu guards the session fields below.
	mu sync.RWMutex
	// conn is the underlying gRPC connection to the hub.
	conn *grpc.ClientConn
	// api is the hub client stub.
	api *api.TwinHubClient
	// stopSubscribe cancels the signal stream.
	stopSubscribe context.CancelFunc
	// subscribeDone is closed when the signal stream goroutine exits.
	subscribeDone chan struct{}

	// signals delivers hub messages; it is never closed.
	signals chan twin.Signal
}

var _ twin.Client = (*Client)(nil)

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithDialOptions adds gRPC dial options, e.g. a custom dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// WithResubscribeDelay sets the pause before reopening a broken signal stream.
func WithResubscribeDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.resubscribeDelay = d
		}
	}
}

const (
	defaultResubscribeDelay = time.Second
	signalBuffer            = 8
)

var (
	// errAddressRequired is returned when a required address value is missing.
	errAddressRequired = errors.New("address must be provided")
	// errDeviceIDRequired is returned when the device id is missing.
	errDeviceIDRequired = errors.New("device id must be provided")
)

// New creates a disconnected client for the hub at address.
func New(address, deviceID string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	if deviceID == "" {
		return nil, errDeviceIDRequired
	}

	client := &Client{
		address:          address,
		deviceID:         deviceID,
		callTimeout:      config.DefaultTimeout,
		resubscribeDelay: defaultResubscribeDelay,
		signals:          make(chan twin.Signal, signalBuffer),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Connect establishes the gRPC connection, waits until it is ready and opens
// the signal stream.
// Note: this uses insecure transport credentials; deploy on a trusted network
// or terminate TLS in a proxy until native TLS is added.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, c.dialOptions...)

	conn, err := grpc.NewClient(c.address, dialOptions...)
	if err != nil {
		return fmt.Errorf("%w: dial twin hub: %w", twin.ErrConnection, err)
	}

	waitCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err = waitReady(waitCtx, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s: %w", twin.ErrConnection, c.address, err)
	}

	subscribeCtx, stopSubscribe := context.WithCancel(context.WithoutCancel(ctx))

	c.conn = conn
	c.api = api.NewTwinHubClient(conn)
	c.stopSubscribe = stopSubscribe
	c.subscribeDone = make(chan struct{})

	go c.subscribeLoop(subscribeCtx, c.api, c.subscribeDone)

	logger.InfoKV(ctx, "Connected to twin hub", "address", c.address, "device_id", c.deviceID)

	return nil
}

// Disconnect stops the signal stream and releases the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	c.stopSubscribe()

	select {
	case <-c.subscribeDone:
	case <-ctx.Done():
	}

	err := c.conn.Close()

	c.conn, c.api, c.stopSubscribe, c.subscribeDone = nil, nil, nil, nil

	logger.InfoKV(ctx, "Disconnected from twin hub", "address", c.address)

	return err
}

// IsConnected reports whether the connection is usable.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return false
	}

	switch c.conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	default:
		return true
	}
}

// FetchDesiredState retrieves the desired state; NotFound means none is defined.
func (c *Client) FetchDesiredState(ctx context.Context) (map[string]any, error) {
	stub := c.stub()
	if stub == nil {
		return nil, fmt.Errorf("%w: %w", twin.ErrFetch, twin.ErrNotConnected)
	}

	callCtx, cancel := c.callContext(api.WithDeviceID(ctx, c.deviceID))
	defer cancel()

	doc, err := stub.GetDesired(callCtx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: get desired state: %w", twin.ErrFetch, err)
	}

	return doc.AsMap(), nil
}

// PushReportedState replaces the reported state of this device.
func (c *Client) PushReportedState(ctx context.Context, reported map[string]any) error {
	stub := c.stub()
	if stub == nil {
		return fmt.Errorf("%w: %w", twin.ErrPush, twin.ErrNotConnected)
	}

	doc, err := structpb.NewStruct(reported)
	if err != nil {
		return fmt.Errorf("%w: encode reported state: %w", twin.ErrPush, err)
	}

	callCtx, cancel := c.callContext(api.WithDeviceID(ctx, c.deviceID))
	defer cancel()

	if err = stub.PatchReported(callCtx, doc); err != nil {
		return fmt.Errorf("%w: patch reported state: %w", twin.ErrPush, err)
	}

	return nil
}

// Signals implements twin.Client.
func (c *Client) Signals() <-chan twin.Signal {
	return c.signals
}

func (c *Client) stub() *api.TwinHubClient {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.api
}

// subscribeLoop keeps a signal stream open until ctx is canceled, reopening it
// after failures.
func (c *Client) subscribeLoop(ctx context.Context, stub *api.TwinHubClient, done chan struct{}) {
	defer close(done)

	ctx = logger.WithName(ctx, "grpctwin")

	for {
		err := c.receiveSignals(ctx, stub)
		if ctx.Err() != nil {
			return
		}

		logger.WarnKV(ctx, "Signal stream broken, reopening", "error", err, "delay", c.resubscribeDelay.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.resubscribeDelay):
		}
	}
}

func (c *Client) receiveSignals(ctx context.Context, stub *api.TwinHubClient) error {
	stream, err := stub.Subscribe(api.WithDeviceID(ctx, c.deviceID))
	if err != nil {
		return err
	}

	for {
		doc, err := stream.Recv()
		if err != nil {
			return err
		}

		signal := api.SignalFromStruct(doc)

		select {
		case c.signals <- signal:
		default:
			logger.WarnKV(ctx, "Signal buffer full, dropping signal", "signal_id", signal.ID)
		}
	}
}

// waitReady blocks until conn is ready or ctx ends.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()

	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}

		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection not ready (last state %s): %w", state, ctx.Err())
		}
	}
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
