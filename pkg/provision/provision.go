// Package provision starts and reclaims the machines agents run on.
package provision

import (
	"context"
	"errors"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
)

// ErrInstanceNotFound is returned when no instance backs an agent path
var ErrInstanceNotFound = errors.New("instance not found")

// Instance is one provisioned host running a single agent
type Instance struct {
	ID        string            `json:"id"`
	Path      api.AgentPath     `json:"path"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// InstanceManager is the instance lifecycle collaborator of one zone
type InstanceManager interface {
	// BatchStartInstance requests count new agent instances
	BatchStartInstance(ctx context.Context, count int) ([]*Instance, error)
	// Find returns the instance backing the agent at path
	Find(ctx context.Context, path api.AgentPath) (*Instance, error)
	// AddToCleanList schedules an instance for reclamation
	AddToCleanList(ctx context.Context, inst *Instance) error
}
