package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadyFunc reports whether the process can take work
type ReadyFunc func() error

// MetricsServer serves Prometheus metrics, health and the event window over HTTP
type MetricsServer struct {
	addr     string
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener
	ready    ReadyFunc
	events   *EventStream
}

// NewMetricsServer creates a new metrics server. ready and events may be nil.
func NewMetricsServer(addr string, logger *zap.Logger, ready ReadyFunc, events *EventStream) *MetricsServer {
	ms := &MetricsServer{
		addr:   addr,
		logger: logger,
		ready:  ready,
		events: events,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)
	mux.HandleFunc("/events", ms.eventsHandler)

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Start binds the listener and serves in the background
func (ms *MetricsServer) Start() error {
	listener, err := net.Listen("tcp", ms.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ms.addr, err)
	}
	ms.listener = listener

	ms.logger.Info("Starting metrics server",
		zap.String("address", listener.Addr().String()),
	)

	go func() {
		if err := ms.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (ms *MetricsServer) Addr() string {
	if ms.listener == nil {
		return ms.addr
	}
	return ms.listener.Addr().String()
}

// Stop stops the metrics server gracefully
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.logger.Info("Stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (ms *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if ms.ready != nil {
		if err := ms.ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (ms *MetricsServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if ms.events == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	data, err := ms.events.Export()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
