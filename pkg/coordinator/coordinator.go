package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/broker"
	"github.com/fleetd/fleetd/pkg/membership"
	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/fleetd/fleetd/pkg/provision"
	"github.com/fleetd/fleetd/pkg/raft"
	"github.com/fleetd/fleetd/pkg/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Provisioner names accepted in ZoneConfig
const (
	ProvisionerStatic     = "static"
	ProvisionerContainerd = "containerd"
)

// Config represents the coordinator configuration
type Config struct {
	DataDir string
	Logger  *zap.Logger
	Events  *observability.EventStream

	// RaftID enables the raft command store. Without it command records
	// live in memory only.
	RaftID        string
	RaftAddr      string
	RaftBootstrap bool
	RaftInMemory  bool

	Router RouterConfig
	Queue  QueueConfig

	SessionTimeout time.Duration

	Zones []ZoneConfig
	// Containerd is the instance template for zones using the
	// containerd provisioner; Zone is filled per zone.
	Containerd provision.ContainerdConfig

	MembershipPrefix string
	WatchInterval    time.Duration

	TimeoutCheckInterval time.Duration
	SizingInterval       time.Duration
	ReapInterval         time.Duration
}

// Validate validates the coordinator configuration
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.RaftID != "" && !c.RaftInMemory && c.RaftAddr == "" {
		return fmt.Errorf("raft address is required")
	}
	if c.Router.LogDir == "" {
		c.Router.LogDir = filepath.Join(c.DataDir, "logs")
	}
	if c.MembershipPrefix == "" {
		c.MembershipPrefix = membership.DefaultPrefix
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = 30 * time.Second
	}
	if c.SizingInterval <= 0 {
		c.SizingInterval = 60 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 60 * time.Second
	}
	seen := make(map[string]bool, len(c.Zones))
	for i := range c.Zones {
		if err := c.Zones[i].Validate(); err != nil {
			return err
		}
		if seen[c.Zones[i].Name] {
			return fmt.Errorf("zone %s configured twice", c.Zones[i].Name)
		}
		seen[c.Zones[i].Name] = true
	}
	return nil
}

// Backends are the external services the coordinator runs against
type Backends struct {
	Broker    broker.Broker
	Transport transport.Coordinator
	// Redis backs the membership watcher. Nil disables it and leaves
	// ReportOnline to the caller.
	Redis *redis.Client
	// Provisioners overrides the instance manager of a zone by name
	Provisioners map[string]provision.InstanceManager
}

// Coordinator wires the registry, router, queue consumer, sizing and
// reaper into one process.
type Coordinator struct {
	config   *Config
	backends Backends
	logger   *zap.Logger
	events   *observability.EventStream

	raftStore      *raft.Store
	raftMetrics    *raft.MetricsCollector
	registry       *AgentRegistry
	router         *Router
	consumer       *QueueConsumer
	fleet          *FleetController
	reaper         *SessionReaper
	watcher        *membership.Watcher
	periodic       *PeriodicRunner
	containerd     []*provision.ContainerdManager
	subscriptions  []transport.Subscription
	logQueueCancel context.CancelFunc
	logQueueDone   chan struct{}
}

// New creates a new coordinator instance
func New(config *Config, backends Backends) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if backends.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if backends.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	c := &Coordinator{
		config:   config,
		backends: backends,
		logger:   config.Logger,
		events:   config.Events,
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := c.newCommandStore()
	if err != nil {
		return nil, err
	}

	c.registry = NewAgentRegistry(c.logger, c.events)

	c.router, err = NewRouter(config.Router, c.registry, store, backends.Transport, c.logger, c.events)
	if err != nil {
		c.closeRaft()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	c.consumer, err = NewQueueConsumer(config.Queue, backends.Broker, c.router, c.logger, c.events)
	if err != nil {
		c.closeRaft()
		return nil, fmt.Errorf("failed to create queue consumer: %w", err)
	}
	// Followers would only fail to persist what they consume.
	c.consumer.SetActive(c.IsLeader)

	c.fleet = NewFleetController(c.registry, c.router, c.logger, c.events)
	if err := c.addZones(); err != nil {
		c.closeProvisioners()
		c.closeRaft()
		return nil, err
	}

	c.reaper = NewSessionReaper(c.registry, c.router, config.SessionTimeout, c.logger, c.events)

	if backends.Redis != nil {
		c.watcher, err = membership.NewWatcher(backends.Redis, membership.WatcherConfig{
			Prefix:   config.MembershipPrefix,
			Interval: config.WatchInterval,
			Zones:    c.fleet.Zones(),
		}, c.registry, c.logger)
		if err != nil {
			c.closeProvisioners()
			c.closeRaft()
			return nil, fmt.Errorf("failed to create membership watcher: %w", err)
		}
	}

	c.periodic, err = NewPeriodicRunner(c.logger,
		PeriodicTask{Name: "command_timeouts", Interval: config.TimeoutCheckInterval, Run: c.leaderOnly(c.checkTimeouts)},
		PeriodicTask{Name: "fleet_sizing", Interval: config.SizingInterval, Run: c.leaderOnly(c.fleet.ReconcileAll)},
		PeriodicTask{Name: "session_reaper", Interval: config.ReapInterval, Run: c.leaderOnly(c.reap)},
	)
	if err != nil {
		c.closeProvisioners()
		c.closeRaft()
		return nil, err
	}

	c.logger.Info("Coordinator initialized",
		zap.String("data_dir", config.DataDir),
		zap.Bool("raft", c.raftStore != nil),
		zap.Strings("zones", c.fleet.Zones()),
		zap.Bool("membership_watcher", c.watcher != nil),
	)
	return c, nil
}

func (c *Coordinator) newCommandStore() (CommandStore, error) {
	if c.config.RaftID == "" {
		c.logger.Warn("Raft disabled, command records are kept in memory")
		return NewMemoryCommandStore(), nil
	}

	c.logger.Info("Initializing raft store", zap.String("raft_id", c.config.RaftID))
	store, err := raft.NewStore(&raft.Config{
		RaftDir:   filepath.Join(c.config.DataDir, "raft"),
		RaftBind:  c.config.RaftAddr,
		RaftID:    c.config.RaftID,
		Bootstrap: c.config.RaftBootstrap,
		InMemory:  c.config.RaftInMemory,
		Logger:    c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize raft store: %w", err)
	}
	c.raftStore = store
	c.raftMetrics = raft.NewMetricsCollector(store, c.logger, 0)

	commands, err := NewRaftCommandStore(store, c.logger)
	if err != nil {
		c.closeRaft()
		return nil, err
	}
	return commands, nil
}

func (c *Coordinator) addZones() error {
	for _, zone := range c.config.Zones {
		manager, err := c.provisioner(zone)
		if err != nil {
			return fmt.Errorf("zone %s: %w", zone.Name, err)
		}
		if err := c.fleet.AddZone(zone, manager); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) provisioner(zone ZoneConfig) (provision.InstanceManager, error) {
	if m, ok := c.backends.Provisioners[zone.Name]; ok {
		return m, nil
	}

	switch zone.Provisioner {
	case ProvisionerStatic:
		return provision.NewStaticManager(zone.Name, c.logger), nil
	case ProvisionerContainerd:
		cfg := c.config.Containerd
		cfg.Zone = zone.Name
		m, err := provision.NewContainerdManager(cfg, c.logger)
		if err != nil {
			return nil, err
		}
		c.containerd = append(c.containerd, m)
		return m, nil
	default:
		return nil, fmt.Errorf("unknown provisioner %q", zone.Provisioner)
	}
}

// Start starts the coordinator
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("Starting coordinator")

	if c.raftStore != nil {
		c.logger.Info("Waiting for leader election")
		if err := c.raftStore.WaitForLeader(30 * time.Second); err != nil {
			return fmt.Errorf("failed to elect raft leader: %w", err)
		}
		c.raftMetrics.Start(ctx)
	}

	reports, err := c.backends.Transport.SubscribeReports(c.handleReport)
	if err != nil {
		return fmt.Errorf("failed to subscribe to status reports: %w", err)
	}
	c.subscriptions = append(c.subscriptions, reports)

	uploads, err := c.backends.Transport.SubscribeUploads(c.handleUpload)
	if err != nil {
		return fmt.Errorf("failed to subscribe to log uploads: %w", err)
	}
	c.subscriptions = append(c.subscriptions, uploads)

	for _, m := range c.containerd {
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("failed to start containerd provisioner: %w", err)
		}
	}

	if c.watcher != nil {
		if err := c.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start membership watcher: %w", err)
		}
	}

	if err := c.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	if err := c.periodic.Start(ctx); err != nil {
		return fmt.Errorf("failed to start periodic tasks: %w", err)
	}

	logCtx, cancel := context.WithCancel(ctx)
	c.logQueueCancel = cancel
	c.logQueueDone = make(chan struct{})
	go c.drainLogQueue(logCtx)

	c.logger.Info("Coordinator started successfully", zap.Bool("is_leader", c.IsLeader()))
	return nil
}

// Stop stops the coordinator
func (c *Coordinator) Stop(ctx context.Context) error {
	c.logger.Info("Stopping coordinator")

	if err := c.consumer.Stop(); err != nil {
		c.logger.Error("Failed to stop queue consumer", zap.Error(err))
	}
	if err := c.periodic.Stop(); err != nil {
		c.logger.Error("Failed to stop periodic tasks", zap.Error(err))
	}
	if c.watcher != nil {
		c.watcher.Stop()
	}
	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Error("Failed to unsubscribe", zap.Error(err))
		}
	}
	c.subscriptions = nil

	if c.logQueueCancel != nil {
		c.logQueueCancel()
		select {
		case <-c.logQueueDone:
		case <-ctx.Done():
		}
	}

	c.closeProvisioners()
	if c.raftMetrics != nil {
		c.raftMetrics.Stop()
	}
	c.closeRaft()

	c.logger.Info("Coordinator stopped")
	return nil
}

func (c *Coordinator) closeProvisioners() {
	for _, m := range c.containerd {
		if err := m.Stop(); err != nil {
			c.logger.Error("Failed to stop containerd provisioner", zap.Error(err))
		}
	}
	c.containerd = nil
}

func (c *Coordinator) closeRaft() {
	if c.raftStore == nil {
		return
	}
	if err := c.raftStore.Close(); err != nil {
		c.logger.Error("Failed to stop raft store", zap.Error(err))
	}
	c.raftStore = nil
}

// leaderOnly skips fn on raft followers
func (c *Coordinator) leaderOnly(fn func(ctx context.Context)) func(ctx context.Context) {
	return func(ctx context.Context) {
		if !c.IsLeader() {
			return
		}
		fn(ctx)
	}
}

func (c *Coordinator) checkTimeouts(ctx context.Context) {
	n, err := c.router.CheckTimeouts(ctx)
	if err != nil {
		c.logger.Error("Command timeout check failed", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("Commands timed out", zap.Int("count", n))
	}
}

func (c *Coordinator) reap(ctx context.Context) {
	if n := c.reaper.Reap(ctx); n > 0 {
		c.logger.Info("Sessions reaped", zap.Int("count", n))
	}
}

func (c *Coordinator) handleReport(ctx context.Context, report *api.CommandReport) {
	if err := c.router.UpdateStatus(ctx, report); err != nil {
		level := zap.ErrorLevel
		if api.IsNotFound(err) {
			level = zap.WarnLevel
		}
		c.logger.Check(level, "Failed to apply status report").Write(
			zap.String("command_id", report.CommandID),
			zap.String("status", string(report.Status)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) handleUpload(ctx context.Context, commandID string, r io.Reader) error {
	_, err := c.router.SaveLog(ctx, commandID, r)
	return err
}

func (c *Coordinator) drainLogQueue(ctx context.Context) {
	defer close(c.logQueueDone)
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-c.router.LogQueue():
			c.logger.Debug("Command log stored", zap.String("path", path))
		}
	}
}

// Registry returns the agent registry
func (c *Coordinator) Registry() *AgentRegistry {
	return c.registry
}

// Router returns the command router
func (c *Coordinator) Router() *Router {
	return c.router
}

// Fleet returns the fleet sizing controller
func (c *Coordinator) Fleet() *FleetController {
	return c.fleet
}

// Reaper returns the session reaper
func (c *Coordinator) Reaper() *SessionReaper {
	return c.reaper
}

// Ready reports whether the coordinator can accept work
func (c *Coordinator) Ready() bool {
	if c.raftStore == nil {
		return true
	}
	return c.raftStore.GetLeader() != ""
}

// IsLeader returns whether this coordinator is the raft leader. Without
// raft the coordinator always leads.
func (c *Coordinator) IsLeader() bool {
	if c.raftStore == nil {
		return true
	}
	return c.raftStore.IsLeader()
}

// GetLeader returns the current raft leader address
func (c *Coordinator) GetLeader() string {
	if c.raftStore == nil {
		return ""
	}
	return c.raftStore.GetLeader()
}

// JoinCluster joins an existing raft cluster
func (c *Coordinator) JoinCluster(nodeID, addr string) error {
	if c.raftStore == nil {
		return fmt.Errorf("raft store not initialized")
	}
	return c.raftStore.Join(nodeID, addr)
}
