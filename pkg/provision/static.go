package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StaticManager serves zones whose agents are started out of band. It
// records start requests and clean-list entries without acting on them,
// and answers Find with a synthetic instance per agent path.
type StaticManager struct {
	zone   string
	logger *zap.Logger

	mu        sync.Mutex
	requested int
	instances map[api.AgentPath]*Instance
	clean     []*Instance
}

// NewStaticManager creates a manager for zone
func NewStaticManager(zone string, logger *zap.Logger) *StaticManager {
	return &StaticManager{
		zone:      zone,
		logger:    logger,
		instances: make(map[api.AgentPath]*Instance),
	}
}

func (m *StaticManager) BatchStartInstance(ctx context.Context, count int) ([]*Instance, error) {
	if count <= 0 {
		return nil, fmt.Errorf("instance count must be positive, got %d", count)
	}
	m.mu.Lock()
	m.requested += count
	m.mu.Unlock()

	m.logger.Info("Instance start requested for statically provisioned zone",
		zap.String("zone", m.zone),
		zap.Int("count", count),
	)
	return nil, nil
}

func (m *StaticManager) Find(ctx context.Context, path api.AgentPath) (*Instance, error) {
	if path.Zone != m.zone {
		return nil, fmt.Errorf("agent %s: %w", path, ErrInstanceNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[path]
	if !ok {
		inst = &Instance{ID: uuid.New().String(), Path: path, CreatedAt: time.Now()}
		m.instances[path] = inst
	}
	return inst, nil
}

func (m *StaticManager) AddToCleanList(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clean = append(m.clean, inst)
	delete(m.instances, inst.Path)
	return nil
}

// Requested returns the total number of instances requested so far
func (m *StaticManager) Requested() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested
}

// CleanList returns the instances scheduled for reclamation
func (m *StaticManager) CleanList() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Instance(nil), m.clean...)
}
