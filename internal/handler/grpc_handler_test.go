package handler

import (
	"context"
	stderrors "errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
)

func TestGRPCServer_Health(t *testing.T) {
	var failing atomic.Bool
	srv := NewGRPCServer(logger.Nop(), HealthCheck{Name: "database", Check: func(context.Context) error {
		if failing.Load() {
			return stderrors.New("database unreachable")
		}
		return nil
	}})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	defer srv.GracefulStop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status, "not serving until the first refresh")

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, srv.Refresh(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	failing.Store(true)
	srv.Refresh(ctx)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestUnaryLoggingInterceptor_MapsAppErrors(t *testing.T) {
	interceptor := UnaryLoggingInterceptor(logger.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: "/escalation.approvals/Approve"}

	_, err := interceptor(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, errors.Conflict("workflow changed")
	})
	assert.Equal(t, codes.Aborted, status.Code(err))

	_, err = interceptor(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})
	assert.Equal(t, codes.Unavailable, status.Code(err), "status errors pass through")

	resp, err := interceptor(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestGRPCCode(t *testing.T) {
	tests := map[errors.Code]codes.Code{
		errors.ErrCodeNotFound:             codes.NotFound,
		errors.ErrCodeValidation:           codes.InvalidArgument,
		errors.ErrCodeForbidden:            codes.PermissionDenied,
		errors.ErrCodeConflict:             codes.Aborted,
		errors.ErrCodeInvalidState:         codes.FailedPrecondition,
		errors.ErrCodeDelegationNotAllowed: codes.FailedPrecondition,
		errors.ErrCodeRollbackUnavailable:  codes.FailedPrecondition,
		errors.ErrCodeInternal:             codes.Internal,
	}
	for in, want := range tests {
		assert.Equal(t, want, GRPCCode(in), in)
	}
}
