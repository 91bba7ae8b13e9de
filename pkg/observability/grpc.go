package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "code"},
	)

	grpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func codeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

// UnaryServerInterceptor logs and measures unary calls
func UnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		code := codeOf(err)
		grpcRequestDuration.WithLabelValues(info.FullMethod).Observe(duration.Seconds())
		grpcRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", duration),
			zap.String("code", code.String()),
		}
		if err != nil {
			logger.Error("gRPC request failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("gRPC request completed", fields...)
		}
		return resp, err
	}
}

// StreamServerInterceptor logs and counts streaming calls
func StreamServerInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		code := codeOf(err)
		grpcRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil && code != codes.Canceled {
			logger.Error("gRPC stream failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("gRPC stream completed", fields...)
		}
		return err
	}
}
