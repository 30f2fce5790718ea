package twinhub

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/twin-agent/internal/twin"
)

// Service abstracts the business operations the transport layer depends on.
type Service interface {
	// Desired returns the desired state of a device; nil means none is defined.
	Desired(ctx context.Context, deviceID string) (map[string]any, error)
	// SaveReported stores the reported state of a device.
	SaveReported(ctx context.Context, deviceID string, reported map[string]any) error
	// Publish delivers a signal and returns the number of subscribers reached.
	Publish(ctx context.Context, deviceID string, signal twin.Signal) (int, error)
	// Subscribe registers a signal subscriber; the returned func unregisters it.
	Subscribe(deviceID string) (<-chan twin.Signal, func())
}

// Server implements the TwinHub gRPC API.
type Server struct {
	// service provides the business logic for twin operations.
	service Service
}

var _ TwinHubServer = (*Server)(nil)

// NewServer wires the provided service implementation into a gRPC handler.
func NewServer(service Service) *Server {
	return &Server{
		service: service,
	}
}

// GetDesired returns the desired state of the calling device.
func (s *Server) GetDesired(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	deviceID, err := requireDeviceID(ctx)
	if err != nil {
		return nil, err
	}

	desired, err := s.service.Desired(ctx, deviceID)
	if err != nil {
		return nil, status.Error(codes.Internal, "unable to load desired state")
	}

	if desired == nil {
		return nil, status.Errorf(codes.NotFound, "no desired state for device %q", deviceID)
	}

	doc, err := structpb.NewStruct(desired)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "desired state is not representable: %v", err)
	}

	return doc, nil
}

// PatchReported replaces the reported state of the calling device.
func (s *Server) PatchReported(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	deviceID, err := requireDeviceID(ctx)
	if err != nil {
		return nil, err
	}

	if err = s.service.SaveReported(ctx, deviceID, req.AsMap()); err != nil {
		return nil, status.Error(codes.Internal, "unable to persist reported state")
	}

	return new(emptypb.Empty), nil
}

// SendSignal delivers a cloud-to-device message to the subscribers of a device.
func (s *Server) SendSignal(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	deviceID := DeviceIDFromSignal(req)
	if deviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}

	delivered, err := s.service.Publish(ctx, deviceID, SignalFromStruct(req))
	if err != nil {
		return nil, status.Error(codes.Internal, "unable to publish signal")
	}

	return DeliveredResponse(delivered), nil
}

// Subscribe streams signals to the calling device until it disconnects.
func (s *Server) Subscribe(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()

	deviceID, err := requireDeviceID(ctx)
	if err != nil {
		return err
	}

	signals, unsubscribe := s.service.Subscribe(deviceID)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case signal, ok := <-signals:
			if !ok {
				return nil
			}

			doc, err := SignalToStruct(signal)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}

			if err = stream.Send(doc); err != nil {
				return err
			}
		}
	}
}

func requireDeviceID(ctx context.Context) (string, error) {
	deviceID := DeviceIDFromContext(ctx)
	if deviceID == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s metadata is required", DeviceIDHeader)
	}

	return deviceID, nil
}
