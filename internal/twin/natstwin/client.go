package natstwin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/twin"
)

// Header carrying the signal id; every other header becomes a signal property.
const HeaderSignalID = "Twin-Signal-Id"

const (
	signalBuffer = 8
	// bucketMaxBytes caps the twin bucket size.
	bucketMaxBytes = 64 << 20
)

var (
	// errURLRequired is returned when the NATS URL is missing.
	errURLRequired = errors.New("nats url must be provided")
	// errDeviceIDRequired is returned when the device id is missing.
	errDeviceIDRequired = errors.New("device id must be provided")
)

// Client is a twin.Client that keeps desired and reported documents in a
// JetStream key-value bucket and receives signals on a core NATS subject.
type Client struct {
	// url is the NATS server URL.
	url string
	// deviceID identifies this device.
	deviceID string
	// bucket is the key-value bucket name.
	bucket string
	// timeout bounds connects and every KV call.
	timeout time.Duration

	// mu guards the session fields below.
	mu sync.RWMutex
	// conn is the NATS connection.
	conn *nats.Conn
	// kv is the twin bucket.
	kv jetstream.KeyValue
	// sub receives signals.
	sub *nats.Subscription

	// signals delivers received messages; it is never closed.
	signals chan twin.Signal
}

var _ twin.Client = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithBucket sets the key-value bucket name.
func WithBucket(bucket string) Option {
	return func(c *Client) {
		if bucket != "" {
			c.bucket = bucket
		}
	}
}

// WithTimeout bounds connects and KV calls.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// New creates a disconnected client.
func New(url, deviceID string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errURLRequired
	}

	if deviceID == "" {
		return nil, errDeviceIDRequired
	}

	c := &Client{
		url:      url,
		deviceID: deviceID,
		bucket:   config.DefaultNATSBucket,
		timeout:  config.DefaultTimeout,
		signals:  make(chan twin.Signal, signalBuffer),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// DesiredKey returns the bucket key of a device's desired state.
func DesiredKey(deviceID string) string {
	return token(deviceID) + ".desired"
}

// ReportedKey returns the bucket key of a device's reported state.
func ReportedKey(deviceID string) string {
	return token(deviceID) + ".reported"
}

// SignalSubject returns the subject a device listens on for signals.
func SignalSubject(deviceID string) string {
	return "twin." + token(deviceID) + ".signals"
}

// Connect opens the NATS connection, binds the bucket (creating it when
// missing) and subscribes to the signal subject.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := nats.Connect(c.url,
		nats.Name("twin-agent "+c.deviceID),
		nats.Timeout(c.timeout),
	)
	if err != nil {
		return fmt.Errorf("%w: connect to NATS: %w", twin.ErrConnection, err)
	}

	kv, err := c.bindBucket(ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %w", twin.ErrConnection, err)
	}

	sub, err := conn.Subscribe(SignalSubject(c.deviceID), c.handleSignal(logger.WithName(ctx, "natstwin")))
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: subscribe to signals: %w", twin.ErrConnection, err)
	}

	c.conn, c.kv, c.sub = conn, kv, sub

	logger.InfoKV(ctx, "Connected to NATS", "url", c.url, "bucket", c.bucket, "subject", sub.Subject)

	return nil
}

func (c *Client) bindBucket(ctx context.Context, conn *nats.Conn) (jetstream.KeyValue, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	kv, err := js.KeyValue(callCtx, c.bucket)
	if err == nil {
		return kv, nil
	}

	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("bind bucket %s: %w", c.bucket, err)
	}

	kv, err = js.CreateKeyValue(callCtx, jetstream.KeyValueConfig{
		Bucket:      c.bucket,
		Description: "Device twins: desired and reported state",
		MaxBytes:    bucketMaxBytes,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}

	return kv, nil
}

// Disconnect drops the subscription and closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	var err error
	if c.sub != nil {
		err = c.sub.Unsubscribe()
	}

	c.conn.Close()
	c.conn, c.kv, c.sub = nil, nil, nil

	logger.InfoKV(ctx, "Disconnected from NATS", "url", c.url)

	return err
}

// IsConnected reports whether the NATS connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.conn != nil && c.conn.IsConnected()
}

// FetchDesiredState reads the desired document. A missing key means no
// desired state; a value that is not a JSON object is ignored for this round.
func (c *Client) FetchDesiredState(ctx context.Context) (map[string]any, error) {
	kv := c.bucketHandle()
	if kv == nil {
		return nil, fmt.Errorf("%w: %w", twin.ErrFetch, twin.ErrNotConnected)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entry, err := kv.Get(callCtx, DesiredKey(c.deviceID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: get %s: %w", twin.ErrFetch, DesiredKey(c.deviceID), err)
	}

	doc, err := decodeDocument(entry.Value())
	if err != nil {
		logger.WarnKV(ctx, "Ignoring malformed desired state", "key", entry.Key(), "error", err)
		return nil, nil
	}

	return doc, nil
}

// PushReportedState stores the reported document.
func (c *Client) PushReportedState(ctx context.Context, reported map[string]any) error {
	kv := c.bucketHandle()
	if kv == nil {
		return fmt.Errorf("%w: %w", twin.ErrPush, twin.ErrNotConnected)
	}

	data, err := encodeDocument(reported)
	if err != nil {
		return fmt.Errorf("%w: %w", twin.ErrPush, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err = kv.Put(callCtx, ReportedKey(c.deviceID), data); err != nil {
		return fmt.Errorf("%w: put %s: %w", twin.ErrPush, ReportedKey(c.deviceID), err)
	}

	return nil
}

// Signals implements twin.Client.
func (c *Client) Signals() <-chan twin.Signal {
	return c.signals
}

func (c *Client) bucketHandle() jetstream.KeyValue {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.kv
}

func (c *Client) handleSignal(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		signal := signalFromMsg(msg)

		select {
		case c.signals <- signal:
		default:
			logger.WarnKV(ctx, "Signal buffer full, dropping signal", "signal_id", signal.ID)
		}
	}
}

// signalFromMsg maps a NATS message to a signal: the id header becomes the
// id, the remaining headers become properties and the payload the body.
func signalFromMsg(msg *nats.Msg) twin.Signal {
	signal := twin.Signal{
		Body: string(msg.Data),
	}

	for name, values := range msg.Header {
		if len(values) == 0 {
			continue
		}

		if strings.EqualFold(name, HeaderSignalID) {
			signal.ID = values[0]
			continue
		}

		if signal.Properties == nil {
			signal.Properties = make(map[string]string, len(msg.Header))
		}

		signal.Properties[name] = values[0]
	}

	return signal
}

func decodeDocument(data []byte) (map[string]any, error) {
	var doc structpb.Struct
	if err := protojson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	return doc.AsMap(), nil
}

func encodeDocument(doc map[string]any) ([]byte, error) {
	value, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("convert document: %w", err)
	}

	data, err := protojson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	return data, nil
}

// token makes a device id safe for use as a subject token and KV key.
func token(deviceID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, deviceID)
}
