// Package membership publishes agent liveness into Redis and turns the
// set of live keys back into per-zone online lists for the coordinator.
//
// Each live agent owns one key, prefix:zone:<zone>:agent:<name>, set with
// a TTL and refreshed by its heartbeat. An agent whose key expires is no
// longer live.
package membership

import (
	"fmt"
	"strings"

	"github.com/fleetd/fleetd/pkg/api"
)

// DefaultPrefix is the key prefix used when none is configured
const DefaultPrefix = "fleetd"

const (
	zoneSegment  = ":zone:"
	agentSegment = ":agent:"
)

// AgentKey returns the liveness key of path
func AgentKey(prefix string, path api.AgentPath) string {
	return prefix + zoneSegment + path.Zone + agentSegment + path.Name
}

// ZonePattern returns the SCAN pattern matching every agent of zone
func ZonePattern(prefix, zone string) string {
	return prefix + zoneSegment + zone + agentSegment + "*"
}

// AllPattern returns the SCAN pattern matching every agent key
func AllPattern(prefix string) string {
	return ZonePattern(prefix, "*")
}

// ParseAgentKey is the inverse of AgentKey
func ParseAgentKey(prefix, key string) (api.AgentPath, error) {
	rest, ok := strings.CutPrefix(key, prefix+zoneSegment)
	if !ok {
		return api.AgentPath{}, fmt.Errorf("key %q does not start with %q", key, prefix+zoneSegment)
	}
	zone, name, ok := strings.Cut(rest, agentSegment)
	if !ok || zone == "" || name == "" {
		return api.AgentPath{}, fmt.Errorf("malformed agent key %q", key)
	}
	return api.NewAgentPath(zone, name), nil
}
