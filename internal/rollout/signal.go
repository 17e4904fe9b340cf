package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// SignalFunc adapts a function to HealthSignal.
type SignalFunc func(ctx context.Context, flagID string) (bool, error)

func (f SignalFunc) IsHealthy(ctx context.Context, flagID string) (bool, error) {
	return f(ctx, flagID)
}

// CheckerSignal is healthy while every checker passes. It reuses the
// readiness checkers of the observability server.
type CheckerSignal struct {
	checkers []observability.Checker
}

func NewCheckerSignal(checkers ...observability.Checker) *CheckerSignal {
	return &CheckerSignal{checkers: checkers}
}

func (s *CheckerSignal) IsHealthy(ctx context.Context, _ string) (bool, error) {
	failures := observability.RunChecks(ctx, s.checkers)
	if len(failures) == 0 {
		return true, nil
	}

	errs := make([]error, 0, len(failures))
	for _, name := range slices.Sorted(maps.Keys(failures)) {
		errs = append(errs, fmt.Errorf("%s: %w", name, failures[name]))
	}
	return false, errors.Join(errs...)
}

// FlagPlaceholder in a gRPC service name is replaced by the flag id.
const FlagPlaceholder = "{flag}"

// GRPCSignal queries a grpc.health.v1 server. SERVING is healthy; any other
// status or an RPC error is not.
type GRPCSignal struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
	owned   bool
}

// NewGRPCSignal dials target lazily. service may contain FlagPlaceholder.
func NewGRPCSignal(log *slog.Logger, target, service string) (*GRPCSignal, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(requestIDInterceptor(logger.OrDefault(log))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create health client for %s: %w", target, err)
	}
	s := NewGRPCSignalFromConn(conn, service)
	s.owned = true
	return s, nil
}

// NewGRPCSignalFromConn uses an existing connection, which Close leaves open.
func NewGRPCSignalFromConn(conn *grpc.ClientConn, service string) *GRPCSignal {
	validation.AssertNotNil(conn, "grpc connection")
	return &GRPCSignal{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		service: service,
	}
}

func (s *GRPCSignal) IsHealthy(ctx context.Context, flagID string) (bool, error) {
	service := strings.ReplaceAll(s.service, FlagPlaceholder, flagID)
	resp, err := s.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		st, _ := status.FromError(err)
		return false, fmt.Errorf("health check %q failed: %s", service, st.Code())
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Errorf("service %q is %s", service, resp.GetStatus())
	}
	return true, nil
}

// Close releases the connection if the signal dialed it.
func (s *GRPCSignal) Close() error {
	if !s.owned {
		return nil
	}
	return s.conn.Close()
}

// requestIDInterceptor tags each outgoing RPC with an x-request-id and logs
// its outcome.
func requestIDInterceptor(log *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		reqID := uuid.NewString()
		ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", reqID)

		err := invoker(ctx, method, req, reply, cc, opts...)

		st, _ := status.FromError(err)
		_, rpcLog := logger.With(ctx, log, slog.String("request_id", reqID))
		rpcLog.Debug("rpc finished",
			slog.String("rpc_method", method),
			slog.String("code", st.Code().String()),
			slog.Duration("duration", time.Since(start)),
		)
		return err
	}
}
