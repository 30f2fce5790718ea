package twinhub

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/twin-agent/internal/twin"
)

var errTestStorage = errors.New("storage down")

// fakeService implements the twin Service interface for unit testing the transport.
type fakeService struct {
	mu sync.Mutex

	// desired is served per device.
	desired map[string]map[string]any
	// reported stores the last SaveReported call per device.
	reported map[string]map[string]any
	// failSave makes SaveReported fail.
	failSave bool
	// subscribers receive published signals.
	subscribers map[string][]chan twin.Signal
}

func newFakeService() *fakeService {
	return &fakeService{
		desired:     make(map[string]map[string]any),
		reported:    make(map[string]map[string]any),
		subscribers: make(map[string][]chan twin.Signal),
	}
}

func (f *fakeService) Desired(_ context.Context, deviceID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.desired[deviceID], nil
}

func (f *fakeService) SaveReported(_ context.Context, deviceID string, reported map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSave {
		return errTestStorage
	}

	f.reported[deviceID] = reported

	return nil
}

func (f *fakeService) Publish(_ context.Context, deviceID string, signal twin.Signal) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subscribers[deviceID] {
		ch <- signal
	}

	return len(f.subscribers[deviceID]), nil
}

func (f *fakeService) Subscribe(deviceID string) (<-chan twin.Signal, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan twin.Signal, 4)
	f.subscribers[deviceID] = append(f.subscribers[deviceID], ch)

	return ch, func() {}
}

func (f *fakeService) subscriberCount(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.subscribers[deviceID])
}

func incoming(deviceID string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(DeviceIDHeader, deviceID))
}

// TestServer_Validation ensures invalid requests return InvalidArgument errors.
func TestServer_Validation(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeService())

	_, err := s.GetDesired(context.Background(), new(emptypb.Empty))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.PatchReported(incoming("dev-1"), nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.SendSignal(context.Background(), &structpb.Struct{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

// TestServer_GetDesired returns NotFound for unknown devices and the document otherwise.
func TestServer_GetDesired(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.desired["dev-1"] = map[string]any{"daemons": []any{"sleep"}}

	s := NewServer(svc)

	_, err := s.GetDesired(incoming("dev-2"), new(emptypb.Empty))
	require.Equal(t, codes.NotFound, status.Code(err))

	doc, err := s.GetDesired(incoming("dev-1"), new(emptypb.Empty))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"daemons": []any{"sleep"}}, doc.AsMap())
}

// TestServer_PatchReported stores the document under the calling device.
func TestServer_PatchReported(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	s := NewServer(svc)

	doc, err := structpb.NewStruct(map[string]any{"environ": map[string]any{"P": "V"}})
	require.NoError(t, err)

	_, err = s.PatchReported(incoming("dev-1"), doc)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"environ": map[string]any{"P": "V"}}, svc.reported["dev-1"])

	svc.failSave = true

	_, err = s.PatchReported(incoming("dev-1"), doc)
	require.Equal(t, codes.Internal, status.Code(err))
}

// TestSignalStructRoundtrip keeps id, body and properties.
func TestSignalStructRoundtrip(t *testing.T) {
	t.Parallel()

	want := twin.Signal{ID: "s-1", Body: "hello", Properties: map[string]string{"RESTART": "1"}}

	doc, err := SignalToStruct(want)
	require.NoError(t, err)
	require.Equal(t, want, SignalFromStruct(doc))

	doc.Fields[fieldProperties].GetStructValue().Fields["flag"] = structpb.NewBoolValue(true)
	require.Equal(t, "true", SignalFromStruct(doc).Properties["flag"])
}

// TestClientServer_Bufconn exercises the hand-written descriptor end to end.
func TestClientServer_Bufconn(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.desired["dev-1"] = map[string]any{"sync": 1.0}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTwinHubServer(srv, NewServer(svc))

	go func() {
		_ = srv.Serve(lis)
	}()

	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
	})

	client := NewTwinHubClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deviceCtx := WithDeviceID(ctx, "dev-1")

	desired, err := client.GetDesired(deviceCtx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"sync": 1.0}, desired.AsMap())

	reported, err := structpb.NewStruct(map[string]any{"ok": true})
	require.NoError(t, err)
	require.NoError(t, client.PatchReported(deviceCtx, reported))

	stream, err := client.Subscribe(deviceCtx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return svc.subscriberCount("dev-1") == 1 }, 5*time.Second, 10*time.Millisecond)

	delivered, err := client.SendSignal(ctx, "dev-1", twin.Signal{ID: "sig", Body: twin.RestartMarker})
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	doc, err := stream.Recv()
	require.NoError(t, err)

	got := SignalFromStruct(doc)
	require.Equal(t, "sig", got.ID)
	require.True(t, got.IsRestart())
}
