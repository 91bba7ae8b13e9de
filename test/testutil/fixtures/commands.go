package fixtures

import (
	"github.com/fleetd/fleetd/pkg/api"
)

// NewShellCommand creates a RUN_SHELL command addressed to zone/name
func NewShellCommand(id, zone, name, script string) *api.Command {
	return &api.Command{
		ID:      id,
		Path:    api.NewAgentPath(zone, name),
		Type:    api.CommandRunShell,
		Payload: script,
		Status:  api.CommandStatusSent,
	}
}

// NewControlCommand creates a command without a payload, such as KILL
func NewControlCommand(id, zone, name string, t api.CommandType) *api.Command {
	return &api.Command{
		ID:     id,
		Path:   api.NewAgentPath(zone, name),
		Type:   t,
		Status: api.CommandStatusSent,
	}
}

// NewShellRequest creates a RUN_SHELL request; an empty name targets any
// agent of the zone
func NewShellRequest(zone, name, script string) *api.CommandRequest {
	return &api.CommandRequest{
		Path:    api.NewAgentPath(zone, name),
		Type:    api.CommandRunShell,
		Payload: script,
	}
}

// AgentPaths returns the paths of names within zone
func AgentPaths(zone string, names ...string) []api.AgentPath {
	paths := make([]api.AgentPath, 0, len(names))
	for _, n := range names {
		paths = append(paths, api.NewAgentPath(zone, n))
	}
	return paths
}
