package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricsServer_Handlers(t *testing.T) {
	events := NewEventStream(EventStreamConfig{}, zap.NewNop())
	events.RecordEvent(context.Background(), NewAgentOnlineEvent("z", "a"))

	var readyErr error
	ms := NewMetricsServer("127.0.0.1:0", zap.NewNop(), func() error { return readyErr }, events)

	tests := []struct {
		name     string
		path     string
		prepare  func()
		wantCode int
		contains string
	}{
		{"health", "/health", nil, http.StatusOK, "OK"},
		{"ready", "/ready", nil, http.StatusOK, "READY"},
		{"not ready", "/ready", func() { readyErr = errors.New("raft has no leader") }, http.StatusServiceUnavailable, "no leader"},
		{"events", "/events", nil, http.StatusOK, "agent.online"},
		{"metrics", "/metrics", nil, http.StatusOK, "go_goroutines"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readyErr = nil
			if tt.prepare != nil {
				tt.prepare()
			}
			rec := httptest.NewRecorder()
			ms.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestMetricsServer_StartStop(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", zap.NewNop(), nil, nil)
	require.NoError(t, ms.Start())

	resp, err := http.Get("http://" + ms.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get("http://" + ms.Addr() + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, ms.Stop(context.Background()))
}
