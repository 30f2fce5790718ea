package twinhub

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/twin-agent/internal/twin"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "twin.v1.TwinHub"

// Full method names.
const (
	FullMethodGetDesired    = "/" + ServiceName + "/GetDesired"
	FullMethodPatchReported = "/" + ServiceName + "/PatchReported"
	FullMethodSendSignal    = "/" + ServiceName + "/SendSignal"
	FullMethodSubscribe     = "/" + ServiceName + "/Subscribe"
)

// DeviceIDHeader is the metadata key carrying the calling device's id.
const DeviceIDHeader = "x-device-id"

// Field names of signal documents.
const (
	fieldDeviceID   = "device_id"
	fieldID         = "id"
	fieldBody       = "body"
	fieldProperties = "properties"
	fieldDelivered  = "delivered"
)

// TwinHubServer is the server API of the twin hub. Desired and reported
// documents travel as google.protobuf.Struct.
type TwinHubServer interface {
	// GetDesired returns the desired state of the calling device.
	GetDesired(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	// PatchReported replaces the reported state of the calling device.
	PatchReported(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	// SendSignal delivers a cloud-to-device message to every subscriber of a device.
	SendSignal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	// Subscribe streams cloud-to-device messages for the calling device.
	Subscribe(in *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes the TwinHub service for grpc.Server.RegisterService.
//
//nolint:gochecknoglobals // Service descriptors are package-level values in grpc-go.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TwinHubServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetDesired",
			Handler:    unaryHandler(FullMethodGetDesired, TwinHubServer.GetDesired),
		},
		{
			MethodName: "PatchReported",
			Handler:    unaryHandler(FullMethodPatchReported, TwinHubServer.PatchReported),
		},
		{
			MethodName: "SendSignal",
			Handler:    unaryHandler(FullMethodSendSignal, TwinHubServer.SendSignal),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "twin/v1/twin_hub.proto",
}

// RegisterTwinHubServer registers srv on s.
func RegisterTwinHubServer(s grpc.ServiceRegistrar, srv TwinHubServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Req, Res any](
	fullMethod string,
	call func(TwinHubServer, context.Context, *Req) (*Res, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(TwinHubServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}

		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TwinHubServer), ctx, req.(*Req))
		}

		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	return srv.(TwinHubServer).Subscribe(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// TwinHubClient is the client API of the twin hub.
type TwinHubClient struct {
	cc grpc.ClientConnInterface
}

// NewTwinHubClient creates a client stub over cc.
func NewTwinHubClient(cc grpc.ClientConnInterface) *TwinHubClient {
	return &TwinHubClient{cc: cc}
}

// GetDesired calls TwinHub.GetDesired.
func (c *TwinHubClient) GetDesired(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethodGetDesired, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

// PatchReported calls TwinHub.PatchReported.
func (c *TwinHubClient) PatchReported(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, FullMethodPatchReported, in, new(emptypb.Empty), opts...)
}

// SendSignal calls TwinHub.SendSignal and returns the number of subscribers reached.
func (c *TwinHubClient) SendSignal(
	ctx context.Context,
	deviceID string,
	signal twin.Signal,
	opts ...grpc.CallOption,
) (int, error) {
	in, err := SignalToStruct(signal)
	if err != nil {
		return 0, err
	}

	in.Fields[fieldDeviceID] = structpb.NewStringValue(deviceID)

	out := new(structpb.Struct)
	if err = c.cc.Invoke(ctx, FullMethodSendSignal, in, out, opts...); err != nil {
		return 0, err
	}

	return int(out.GetFields()[fieldDelivered].GetNumberValue()), nil
}

// Subscribe opens the TwinHub.Subscribe stream.
func (c *TwinHubClient) Subscribe(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethodSubscribe, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}

	if err = x.SendMsg(new(emptypb.Empty)); err != nil {
		return nil, err
	}

	if err = x.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}

// WithDeviceID attaches the device id to outgoing call metadata.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DeviceIDHeader, deviceID)
}

// DeviceIDFromContext extracts the device id from incoming call metadata.
func DeviceIDFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	values := md.Get(DeviceIDHeader)
	if len(values) == 0 {
		return ""
	}

	return strings.TrimSpace(values[0])
}

// SignalToStruct encodes a signal document.
func SignalToStruct(signal twin.Signal) (*structpb.Struct, error) {
	properties := make(map[string]any, len(signal.Properties))
	for name, value := range signal.Properties {
		properties[name] = value
	}

	doc, err := structpb.NewStruct(map[string]any{
		fieldID:         signal.ID,
		fieldBody:       signal.Body,
		fieldProperties: properties,
	})
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}

	return doc, nil
}

// SignalFromStruct decodes a signal document. Non-string property values are
// rendered with their JSON-like text form.
func SignalFromStruct(doc *structpb.Struct) twin.Signal {
	fields := doc.GetFields()

	signal := twin.Signal{
		ID:   fields[fieldID].GetStringValue(),
		Body: fields[fieldBody].GetStringValue(),
	}

	props := fields[fieldProperties].GetStructValue().GetFields()
	if len(props) > 0 {
		signal.Properties = make(map[string]string, len(props))

		for name, value := range props {
			if s, ok := value.GetKind().(*structpb.Value_StringValue); ok {
				signal.Properties[name] = s.StringValue
				continue
			}

			signal.Properties[name] = fmt.Sprint(value.AsInterface())
		}
	}

	return signal
}

// DeviceIDFromSignal returns the target device of a SendSignal request.
func DeviceIDFromSignal(doc *structpb.Struct) string {
	return strings.TrimSpace(doc.GetFields()[fieldDeviceID].GetStringValue())
}

// DeliveredResponse encodes the SendSignal response.
func DeliveredResponse(delivered int) *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			fieldDelivered: structpb.NewNumberValue(float64(delivered)),
		},
	}
}
