package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Heartbeat states, by consecutive failed refreshes
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// RegistrarConfig configures an agent's liveness registration
type RegistrarConfig struct {
	Prefix   string
	TTL      time.Duration
	Interval time.Duration
}

// Validate fills defaults and checks the refresh beats the TTL
func (c *RegistrarConfig) Validate() error {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = c.TTL / 3
	}
	if c.Interval >= c.TTL {
		return fmt.Errorf("heartbeat interval %s must be shorter than ttl %s", c.Interval, c.TTL)
	}
	return nil
}

// Registrar keeps an agent's key alive while the agent runs
type Registrar struct {
	client *redis.Client
	config RegistrarConfig
	logger *zap.Logger

	mu           sync.RWMutex
	registration api.Registration
	misses       int
	lastHealthy  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistrar creates a registrar for reg
func NewRegistrar(client *redis.Client, config RegistrarConfig, reg api.Registration, logger *zap.Logger) (*Registrar, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if reg.Path.Zone == "" || reg.Path.Name == "" {
		return nil, fmt.Errorf("agent zone and name are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Registrar{
		client:       client,
		config:       config,
		logger:       logger,
		registration: reg,
	}, nil
}

// Key returns the agent's liveness key
func (r *Registrar) Key() string {
	return AgentKey(r.config.Prefix, r.registration.Path)
}

// Register writes the key once. Start calls it before the heartbeat loop.
func (r *Registrar) Register(ctx context.Context) error {
	r.mu.Lock()
	if r.registration.RegisteredAt.IsZero() {
		r.registration.RegisteredAt = time.Now().UTC()
	}
	data, err := json.Marshal(r.registration)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	if err := r.client.Set(ctx, r.Key(), data, r.config.TTL).Err(); err != nil {
		r.recordMiss(err)
		return fmt.Errorf("failed to register agent: %w", err)
	}
	r.recordHeartbeat()
	return nil
}

// Start registers and then refreshes the key every interval
func (r *Registrar) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.logger.Info("Agent registered",
		zap.String("key", r.Key()),
		zap.Duration("ttl", r.config.TTL),
	)

	r.wg.Add(1)
	go r.heartbeatLoop(ctx)
	return nil
}

func (r *Registrar) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.client.Expire(ctx, r.Key(), r.config.TTL).Result()
			switch {
			case err != nil:
				r.recordMiss(err)
			case !ok:
				// Key expired while we were away: write it again.
				if err := r.Register(ctx); err != nil {
					r.logger.Warn("Failed to re-register agent", zap.Error(err))
				}
			default:
				r.recordHeartbeat()
			}
		}
	}
}

// Stop ends the heartbeat and removes the key so the coordinator sees
// the agent leave without waiting for the TTL.
func (r *Registrar) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if err := r.client.Del(ctx, r.Key()).Err(); err != nil {
		return fmt.Errorf("failed to deregister agent: %w", err)
	}
	r.logger.Info("Agent deregistered", zap.String("key", r.Key()))
	return nil
}

func (r *Registrar) recordHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.misses > 0 {
		r.logger.Info("Heartbeat recovered", zap.Int("missed", r.misses))
	}
	r.misses = 0
	r.lastHealthy = time.Now()
}

func (r *Registrar) recordMiss(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses++
	r.logger.Warn("Heartbeat failed",
		zap.Int("consecutive_misses", r.misses),
		zap.Error(err),
	)
}

// State classifies the heartbeat by consecutive failed refreshes
func (r *Registrar) State() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.misses >= 3:
		return StateUnhealthy
	case r.misses >= 1:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// LastHealthy returns the time of the last successful refresh
func (r *Registrar) LastHealthy() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHealthy
}
