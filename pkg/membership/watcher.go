package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OnlineReporter receives the live set of a zone
type OnlineReporter interface {
	ReportOnline(ctx context.Context, zone string, live []api.AgentPath)
}

// WatcherConfig configures the live-set watcher
type WatcherConfig struct {
	Prefix   string
	Interval time.Duration
	// Zones are always reported, even before any agent appears
	Zones []string
}

// Validate fills defaults
func (c *WatcherConfig) Validate() error {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	return nil
}

// Watcher scans the live agent keys and reports each zone's live set.
// A zone that was reported once keeps being reported, so agents that
// vanish are seen as removed.
type Watcher struct {
	client   *redis.Client
	config   WatcherConfig
	reporter OnlineReporter
	logger   *zap.Logger

	mu    sync.Mutex
	known map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher feeding reporter
func NewWatcher(client *redis.Client, config WatcherConfig, reporter OnlineReporter, logger *zap.Logger) (*Watcher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if reporter == nil {
		return nil, fmt.Errorf("online reporter is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(config.Zones))
	for _, z := range config.Zones {
		known[z] = struct{}{}
	}
	return &Watcher{
		client:   client,
		config:   config,
		reporter: reporter,
		logger:   logger,
		known:    known,
	}, nil
}

// Start syncs once and then every interval
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	if err := w.Sync(ctx); err != nil {
		w.logger.Warn("Initial membership sync failed", zap.Error(err))
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Sync(ctx); err != nil && ctx.Err() == nil {
					w.logger.Warn("Membership sync failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop stops the sync loop
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Sync scans the live keys and reports every known zone
func (w *Watcher) Sync(ctx context.Context) error {
	live, err := w.scan(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	for zone := range live {
		w.known[zone] = struct{}{}
	}
	zones := make([]string, 0, len(w.known))
	for zone := range w.known {
		zones = append(zones, zone)
	}
	w.mu.Unlock()
	sort.Strings(zones)

	for _, zone := range zones {
		w.reporter.ReportOnline(ctx, zone, live[zone])
	}
	return nil
}

func (w *Watcher) scan(ctx context.Context) (map[string][]api.AgentPath, error) {
	live := make(map[string][]api.AgentPath)
	iter := w.client.Scan(ctx, 0, AllPattern(w.config.Prefix), 100).Iterator()
	for iter.Next(ctx) {
		path, err := ParseAgentKey(w.config.Prefix, iter.Val())
		if err != nil {
			w.logger.Debug("Ignoring foreign key", zap.String("key", iter.Val()))
			continue
		}
		live[path.Zone] = append(live[path.Zone], path)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan agent keys: %w", err)
	}
	return live, nil
}

// List returns the registrations of every live agent, ordered by path
func (w *Watcher) List(ctx context.Context) ([]api.Registration, error) {
	return ListRegistrations(ctx, w.client, w.config.Prefix)
}

// ListRegistrations reads every live registration under prefix
func ListRegistrations(ctx context.Context, client *redis.Client, prefix string) ([]api.Registration, error) {
	var regs []api.Registration
	iter := client.Scan(ctx, 0, AllPattern(prefix), 100).Iterator()
	for iter.Next(ctx) {
		data, err := client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read registration: %w", err)
		}
		var reg api.Registration
		if err := json.Unmarshal(data, &reg); err != nil {
			continue
		}
		regs = append(regs, reg)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan agent keys: %w", err)
	}

	sort.Slice(regs, func(i, j int) bool {
		return regs[i].Path.String() < regs[j].Path.String()
	})
	return regs, nil
}
