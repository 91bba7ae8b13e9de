package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/observability"
	"go.uber.org/zap"
)

// PeriodicTask is a coordinator job run on a fixed interval. Run must be
// idempotent: a tick that overlaps a slow run is skipped, not queued.
type PeriodicTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// PeriodicRunner drives a set of periodic tasks, one goroutine each
type PeriodicRunner struct {
	logger *zap.Logger
	tasks  []PeriodicTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeriodicRunner creates a runner for tasks
func NewPeriodicRunner(logger *zap.Logger, tasks ...PeriodicTask) (*PeriodicRunner, error) {
	for _, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("periodic task name is required")
		}
		if t.Interval <= 0 {
			return nil, fmt.Errorf("periodic task %s: interval must be positive", t.Name)
		}
		if t.Run == nil {
			return nil, fmt.Errorf("periodic task %s: run function is required", t.Name)
		}
	}
	return &PeriodicRunner{logger: logger, tasks: tasks}, nil
}

// Start starts one loop per task
func (pr *PeriodicRunner) Start(ctx context.Context) error {
	pr.ctx, pr.cancel = context.WithCancel(ctx)

	for _, task := range pr.tasks {
		pr.logger.Info("Starting periodic task",
			zap.String("task", task.Name),
			zap.Duration("interval", task.Interval),
		)
		pr.wg.Add(1)
		go pr.loop(task)
	}
	return nil
}

// Stop stops every loop and waits for running tasks to return
func (pr *PeriodicRunner) Stop() error {
	if pr.cancel != nil {
		pr.cancel()
	}
	pr.wg.Wait()
	pr.logger.Info("Periodic tasks stopped")
	return nil
}

func (pr *PeriodicRunner) loop(task PeriodicTask) {
	defer pr.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-pr.ctx.Done():
			return
		case <-ticker.C:
			pr.runOnce(task)
		}
	}
}

func (pr *PeriodicRunner) runOnce(task PeriodicTask) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			pr.logger.Error("Periodic task panicked",
				zap.String("task", task.Name),
				zap.Any("panic", r),
			)
		}
		observability.CoordinatorTaskDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
	}()
	task.Run(pr.ctx)
}
