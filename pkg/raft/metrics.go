package raft

import (
	"context"
	"time"

	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// MetricsCollector periodically publishes raft state to Prometheus and
// counts leadership changes.
type MetricsCollector struct {
	store    *Store
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMetricsCollector creates a collector. 5-15s is a sensible interval.
func NewMetricsCollector(store *Store, logger *zap.Logger, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MetricsCollector{
		store:    store,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins collection in a goroutine
func (mc *MetricsCollector) Start(ctx context.Context) {
	ctx, mc.cancel = context.WithCancel(ctx)
	mc.logger.Info("Starting raft metrics collector", zap.Duration("interval", mc.interval))
	go mc.collectLoop(ctx)
}

// Stop stops collection and waits for the loop to exit
func (mc *MetricsCollector) Stop() {
	if mc.cancel == nil {
		return
	}
	mc.cancel()
	<-mc.done
}

func (mc *MetricsCollector) collectLoop(ctx context.Context) {
	defer close(mc.done)

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case leader := <-mc.store.LeaderCh():
			if leader {
				observability.CoordinatorLeaderElections.WithLabelValues("won").Inc()
			} else {
				observability.CoordinatorLeaderElections.WithLabelValues("lost").Inc()
			}
			mc.Collect()
		case <-ticker.C:
			mc.Collect()
		}
	}
}

// Collect publishes the current raft state once
func (mc *MetricsCollector) Collect() {
	state := mc.store.raft.State()
	if state == raft.Leader {
		observability.CoordinatorIsLeader.Set(1)
	} else {
		observability.CoordinatorIsLeader.Set(0)
	}
	observability.CoordinatorRaftAppliedIndex.Set(float64(mc.store.AppliedIndex()))
	observability.CoordinatorRaftLogEntries.Set(float64(mc.store.LastIndex()))

	mc.logger.Debug("Collected raft metrics",
		zap.String("state", state.String()),
		zap.Uint64("applied_index", mc.store.AppliedIndex()),
	)
}
