package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryServerInterceptor(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	interceptor := UnaryServerInterceptor(zap.New(core))

	tests := []struct {
		name     string
		method   string
		err      error
		wantCode string
		wantMsg  string
	}{
		{"success", "/grpc.health.v1.Health/Check", nil, "OK", "gRPC request completed"},
		{"failure", "/grpc.health.v1.Health/Fail", status.Error(codes.NotFound, "unknown service"), "NotFound", "gRPC request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(grpcRequestsTotal.WithLabelValues(tt.method, tt.wantCode))

			_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: tt.method},
				func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", tt.err })
			assert.Equal(t, tt.err, err)

			after := testutil.ToFloat64(grpcRequestsTotal.WithLabelValues(tt.method, tt.wantCode))
			assert.Equal(t, before+1, after)

			entries := logs.TakeAll()
			if assert.Len(t, entries, 1) {
				assert.Equal(t, tt.wantMsg, entries[0].Message)
			}
		})
	}
}
