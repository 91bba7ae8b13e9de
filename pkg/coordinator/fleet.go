package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/fleetd/fleetd/pkg/provision"
	"go.uber.org/zap"
)

// ZoneConfig is the idle pool policy of one zone
type ZoneConfig struct {
	Name    string `mapstructure:"name"`
	MinIdle int    `mapstructure:"min_idle"`
	// MaxIdle of zero disables the upper bound
	MaxIdle int `mapstructure:"max_idle"`
	// Provisioner selects the InstanceManager: "static" or "containerd"
	Provisioner string `mapstructure:"provisioner"`
}

// Validate checks the bounds are consistent
func (z *ZoneConfig) Validate() error {
	if z.Name == "" {
		return fmt.Errorf("zone name is required")
	}
	if z.MinIdle < 0 || z.MaxIdle < 0 {
		return fmt.Errorf("zone %s: idle bounds must not be negative", z.Name)
	}
	if z.MaxIdle > 0 && z.MaxIdle < z.MinIdle {
		return fmt.Errorf("zone %s: max_idle %d is below min_idle %d", z.Name, z.MaxIdle, z.MinIdle)
	}
	if z.Provisioner == "" {
		z.Provisioner = "static"
	}
	return nil
}

type sizedZone struct {
	// mu makes the min and max adjustments of a zone mutually exclusive
	mu      sync.Mutex
	config  ZoneConfig
	manager provision.InstanceManager
}

// FleetController keeps the number of idle agents of each zone between
// its configured bounds.
type FleetController struct {
	registry Registry
	sender   Sender
	logger   *zap.Logger
	events   *observability.EventStream

	mu    sync.RWMutex
	zones map[string]*sizedZone
}

// NewFleetController creates a controller with no zones
func NewFleetController(registry Registry, sender Sender, logger *zap.Logger, events *observability.EventStream) *FleetController {
	return &FleetController{
		registry: registry,
		sender:   sender,
		logger:   logger,
		events:   events,
		zones:    make(map[string]*sizedZone),
	}
}

// AddZone registers a zone and the instance manager that serves it
func (f *FleetController) AddZone(config ZoneConfig, manager provision.InstanceManager) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if manager == nil {
		return fmt.Errorf("zone %s: instance manager is required", config.Name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones[config.Name] = &sizedZone{config: config, manager: manager}
	return nil
}

// Zones returns the configured zone names
func (f *FleetController) Zones() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.zones))
	for name := range f.zones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *FleetController) zone(name string) (*sizedZone, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	z, ok := f.zones[name]
	if !ok {
		return nil, fmt.Errorf("zone %s is not configured", name)
	}
	return z, nil
}

// KeepIdleAgentMinSize starts min_idle instances when fewer than
// min_idle agents are idle. It reports whether it acted.
func (f *FleetController) KeepIdleAgentMinSize(ctx context.Context, zone string) (bool, error) {
	z, err := f.zone(zone)
	if err != nil {
		return false, err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return f.keepMin(ctx, z)
}

// KeepIdleAgentMaxSize shuts down the longest idle agents beyond
// max_idle and schedules their instances for cleanup. It reports
// whether it acted.
func (f *FleetController) KeepIdleAgentMaxSize(ctx context.Context, zone string) (bool, error) {
	z, err := f.zone(zone)
	if err != nil {
		return false, err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return f.keepMax(ctx, z)
}

// Reconcile runs the min check and, only when it did nothing, the max
// check, as one step for the zone.
func (f *FleetController) Reconcile(ctx context.Context, zone string) error {
	z, err := f.zone(zone)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()

	acted, err := f.keepMin(ctx, z)
	if err != nil || acted {
		return err
	}
	_, err = f.keepMax(ctx, z)
	return err
}

// ReconcileAll reconciles every configured zone
func (f *FleetController) ReconcileAll(ctx context.Context) {
	for _, zone := range f.Zones() {
		if err := f.Reconcile(ctx, zone); err != nil {
			f.logger.Error("Fleet sizing failed",
				zap.String("zone", zone),
				zap.Error(err),
			)
		}
	}
}

func (f *FleetController) keepMin(ctx context.Context, z *sizedZone) (bool, error) {
	minIdle := z.config.MinIdle
	if minIdle <= 0 {
		return false, nil
	}
	idle := len(f.registry.FindAvailable(z.config.Name))
	if idle >= minIdle {
		return false, nil
	}

	f.logger.Info("Idle agents below minimum, starting instances",
		zap.String("zone", z.config.Name),
		zap.Int("idle", idle),
		zap.Int("min_idle", minIdle),
	)
	observability.SizingActionsTotal.WithLabelValues(z.config.Name, "scale_up").Inc()
	observability.SizingInstancesRequested.WithLabelValues(z.config.Name).Add(float64(minIdle))

	if _, err := z.manager.BatchStartInstance(ctx, minIdle); err != nil {
		return true, fmt.Errorf("failed to start instances in zone %s: %w", z.config.Name, err)
	}
	f.events.RecordEvent(ctx, observability.NewSizingEvent(observability.EventInstancesRequested, z.config.Name, minIdle))
	return true, nil
}

func (f *FleetController) keepMax(ctx context.Context, z *sizedZone) (bool, error) {
	maxIdle := z.config.MaxIdle
	if maxIdle <= 0 {
		return false, nil
	}
	available := f.registry.FindAvailable(z.config.Name)
	excess := len(available) - maxIdle
	if excess <= 0 {
		return false, nil
	}

	f.logger.Info("Idle agents above maximum, shutting down",
		zap.String("zone", z.config.Name),
		zap.Int("idle", len(available)),
		zap.Int("max_idle", maxIdle),
	)
	observability.SizingActionsTotal.WithLabelValues(z.config.Name, "scale_down").Inc()

	stopped := 0
	for _, agent := range available[:excess] {
		if f.shutdown(ctx, z, agent) {
			stopped++
		}
	}
	f.events.RecordEvent(ctx, observability.NewSizingEvent(observability.EventAgentsShutdown, z.config.Name, stopped))
	return true, nil
}

func (f *FleetController) shutdown(ctx context.Context, z *sizedZone, agent *api.Agent) bool {
	logger := f.logger.With(zap.String("agent", agent.Path.String()))

	if _, err := f.sender.Send(ctx, &api.CommandRequest{Path: agent.Path, Type: api.CommandShutdown}); err != nil {
		logger.Warn("Failed to send shutdown to idle agent", zap.Error(err))
		return false
	}
	// A stopping agent must not be picked for new work or counted as idle.
	if err := f.registry.ReportStatus(agent.Path, api.AgentStatusBusy); err != nil {
		logger.Debug("Agent left before shutdown was recorded", zap.Error(err))
	}

	inst, err := z.manager.Find(ctx, agent.Path)
	if err != nil {
		logger.Warn("No instance found for stopped agent", zap.Error(err))
		return true
	}
	if err := z.manager.AddToCleanList(ctx, inst); err != nil {
		logger.Warn("Failed to schedule instance cleanup", zap.Error(err))
	}
	return true
}
