package hub

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	api "github.com/oshokin/twin-agent/internal/api/grpc/twinhub"
	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/metrics"
	repository "github.com/oshokin/twin-agent/internal/repository/reported"
)

// Options controls the twin-hub process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override for the gRPC server.
	ListenAddress string
	// DesiredFile overrides the desired-state YAML file.
	DesiredFile string
	// ReportedDir overrides the reported-state directory.
	ReportedDir string
	// MetricsAddress overrides the Prometheus listen address.
	MetricsAddress string
}

// Run starts the gRPC server and blocks until context is canceled or server stops.
// Loads configuration first, then applies command line overrides.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "twin-hub")

	// Load configuration first to get server settings.
	settings, err := config.LoadHub(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	applyOverrides(settings, opts)

	if level, ok := logger.ParseLogLevel(settings.LogLevel); ok {
		logger.SetLevel(level)
	}

	// Load desired state, which is watched for changes below.
	desired, err := NewDesiredStore(settings.DesiredFile)
	if err != nil {
		return fmt.Errorf("load desired state: %w", err)
	}

	recorder := metrics.NewRecorder(nil)
	svc := newService(desired, repository.NewFileRepository(settings.ReportedDir), NewBroker(recorder))

	// Setup TCP listener for gRPC server.
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", settings.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", settings.ListenAddress, err)
	}

	// Create and configure gRPC server with the twin service.
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(recorder)))
	api.RegisterTwinHubServer(grpcServer, api.NewServer(svc))

	logger.InfoKV(ctx, "Twin hub listening",
		"listen_address", lis.Addr().String(),
		"desired_file", desired.Path(),
		"reported_dir", settings.ReportedDir,
		"devices", desired.Devices())

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return desired.Watch(groupCtx)
	})

	group.Go(func() error {
		return metrics.Serve(groupCtx, settings.MetricsAddress, recorder)
	})

	group.Go(func() error {
		// Stop serving once the process is asked to exit or a sibling fails.
		<-groupCtx.Done()
		logger.Info(ctx, "Shutting down gRPC server")
		grpcServer.GracefulStop()

		return nil
	})

	group.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}

		return nil
	})

	if err = group.Wait(); err != nil {
		return err
	}

	logger.Info(ctx, "GRPC server stopped")

	return nil
}

// applyOverrides replaces settings with non-empty command line values.
func applyOverrides(settings *config.HubConfig, opts *Options) {
	if opts.ListenAddress != "" {
		settings.ListenAddress = opts.ListenAddress
	}

	if opts.DesiredFile != "" {
		settings.DesiredFile = opts.DesiredFile
	}

	if opts.ReportedDir != "" {
		settings.ReportedDir = opts.ReportedDir
	}

	if opts.MetricsAddress != "" {
		settings.MetricsAddress = opts.MetricsAddress
	}
}

// metricsInterceptor counts unary calls by method and outcome.
func metricsInterceptor(r *metrics.Recorder) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)

		result := metrics.ResultSuccess
		if err != nil {
			result = status.Code(err).String()
		}

		r.IncHubRequest(info.FullMethod, result)

		return resp, err
	}
}
