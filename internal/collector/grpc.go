package collector

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/otlp"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/stream"
)

// GRPCServer is the optional gRPC ingest path. It shares the flatten and
// publish pipeline with the HTTP handler.
type GRPCServer struct {
	collectormetricspb.UnimplementedMetricsServiceServer

	listenAddress string
	publisher     publisher
}

func NewGRPCServer(listenAddress string, pub publisher) *GRPCServer {
	return &GRPCServer{listenAddress: listenAddress, publisher: pub}
}

// Run serves until ctx is cancelled, then drains with a graceful stop.
func (s *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return err
	}

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxBodyBytes),
		grpc.MaxSendMsgSize(maxBodyBytes),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAgeGrace: 30 * time.Second,
			Time:                  2 * time.Minute,
			Timeout:               20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Minute,
			PermitWithoutStream: true,
		}),
	}

	grpcServer := grpc.NewServer(serverOpts...)
	collectormetricspb.RegisterMetricsServiceServer(grpcServer, s)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	slog.Info("collector.grpc.started", "address", s.listenAddress)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	select {
	case <-ctx.Done():
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		_ = lis.Close()

		shutdownDone := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
			return nil
		case <-time.After(30 * time.Second):
			grpcServer.Stop()
			return ctx.Err()
		}
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
}

// Export appends every valid point of the request to the stream.
func (s *GRPCServer) Export(ctx context.Context, req *collectormetricspb.ExportMetricsServiceRequest) (*collectormetricspb.ExportMetricsServiceResponse, error) {
	points := otlp.Flatten(req)
	traceID := stream.NewTraceID()

	for _, point := range points {
		if err := point.Validate(); err != nil {
			slog.Warn("collector.point.invalid", "err", err, "metric", point.Name, "trace_id", traceID)
			continue
		}
		if err := s.publisher.Send(ctx, point, traceID); err != nil {
			return nil, err
		}
	}
	return &collectormetricspb.ExportMetricsServiceResponse{}, nil
}
