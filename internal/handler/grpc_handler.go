package handler

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
)

// ServiceName is the name reported to gRPC health clients alongside "".
const ServiceName = "escalation.approvals"

// GRPCServer exposes the gRPC health service, reporting SERVING only while
// every HealthCheck passes.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	checks []HealthCheck
	log    *logger.Logger
}

// NewGRPCServer creates a gRPC server with health and reflection registered.
func NewGRPCServer(log *logger.Logger, checks ...HealthCheck) *GRPCServer {
	log = log.Component("grpc")
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryLoggingInterceptor(log)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &GRPCServer{server: srv, health: hs, checks: checks, log: log}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh runs the health checks once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.log.Warn().Err(err).Str("check", c.Name).Msg("Health check failed")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.setStatus(st)
	return st
}

// Watch refreshes health every interval until ctx is done.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks until the listener fails or GracefulStop is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
	return s.server.Serve(lis)
}

// GracefulStop reports NOT_SERVING to watchers and drains in-flight calls.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// UnaryLoggingInterceptor logs every unary call with its request id and
// translates application errors into gRPC status codes.
func UnaryLoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		var requestID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get("x-request-id"); len(ids) > 0 {
				requestID = ids[0]
			}
		}

		if err != nil {
			if _, isStatus := status.FromError(err); !isStatus {
				err = status.Error(GRPCCode(errors.CodeOf(err)), err.Error())
			}
		}

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Str("request_id", requestID).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

// GRPCCode maps an error code to its gRPC status code.
func GRPCCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeValidation:
		return codes.InvalidArgument
	case errors.ErrCodeForbidden:
		return codes.PermissionDenied
	case errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeInvalidState, errors.ErrCodeDelegationNotAllowed, errors.ErrCodeRollbackUnavailable:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
