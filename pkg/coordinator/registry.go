package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry tracks the online agents of every zone
type Registry interface {
	ReportOnline(ctx context.Context, zone string, live []api.AgentPath)
	Find(path api.AgentPath) (*api.Agent, error)
	FindBySession(sessionID string) (*api.Agent, error)
	FindAvailable(zone string) []*api.Agent
	OnlineList(zone string) []*api.Agent
	ReportStatus(path api.AgentPath, status api.AgentStatus) error
	Zones() []string

	// Assign picks the target agent of req and applies the command's
	// effect on it in one critical section of the zone.
	Assign(req *api.CommandRequest) (assigned *api.Agent, previous *api.Agent, err error)
	// Restore puts back the status and session captured by Assign
	Restore(previous *api.Agent) error
}

// zoneState is the online map of one zone guarded by its own lock.
// Router and registry mutations of the same zone serialize on mu.
type zoneState struct {
	mu     sync.Mutex
	agents map[api.AgentPath]*api.Agent
}

// AgentRegistry is the in-memory Registry implementation
type AgentRegistry struct {
	mu     sync.RWMutex
	zones  map[string]*zoneState
	logger *zap.Logger
	events *observability.EventStream
	now    func() time.Time
}

// NewAgentRegistry creates an empty registry. events may be nil.
func NewAgentRegistry(logger *zap.Logger, events *observability.EventStream) *AgentRegistry {
	return &AgentRegistry{
		zones:  make(map[string]*zoneState),
		logger: logger,
		events: events,
		now:    time.Now,
	}
}

func (r *AgentRegistry) zone(name string) *zoneState {
	r.mu.RLock()
	z, ok := r.zones[name]
	r.mu.RUnlock()
	if ok {
		return z
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if z, ok = r.zones[name]; !ok {
		z = &zoneState{agents: make(map[api.AgentPath]*api.Agent)}
		r.zones[name] = z
	}
	return z
}

// lockZone acquires the zone lock, creating the zone on first use, and
// returns its unlock function
func (r *AgentRegistry) lockZone(zone string) (*zoneState, func()) {
	z := r.zone(zone)
	z.mu.Lock()
	return z, z.mu.Unlock
}

// lockKnownZone is lockZone for read paths. Zones only come into being
// through ReportOnline, so unknown names report false.
func (r *AgentRegistry) lockKnownZone(zone string) (*zoneState, func(), bool) {
	r.mu.RLock()
	z, ok := r.zones[zone]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	z.mu.Lock()
	return z, z.mu.Unlock, true
}

// ReportOnline reconciles the zone's online set with the live keys
// published by the coordination service.
func (r *AgentRegistry) ReportOnline(ctx context.Context, zone string, live []api.AgentPath) {
	z, unlock := r.lockZone(zone)
	defer unlock()

	now := r.now()
	keep := make(map[api.AgentPath]struct{}, len(live))
	for _, p := range live {
		if p.Zone != zone || p.Name == "" {
			continue
		}
		keep[p] = struct{}{}
	}

	for path, agent := range z.agents {
		if _, ok := keep[path]; ok {
			continue
		}
		agent.Status = api.AgentStatusOffline
		agent.UpdatedAt = now
		delete(z.agents, path)
		observability.AgentsOfflineTotal.WithLabelValues(zone).Inc()
		r.events.RecordEvent(ctx, observability.NewAgentOfflineEvent(zone, path.Name))
	}

	for path := range keep {
		if _, ok := z.agents[path]; ok {
			continue
		}
		z.agents[path] = &api.Agent{
			Path:      path,
			Status:    api.AgentStatusIdle,
			UpdatedAt: now,
		}
		r.events.RecordEvent(ctx, observability.NewAgentOnlineEvent(zone, path.Name))
	}

	r.publishGauges(zone, z)
}

// Find returns a copy of the agent at path
func (r *AgentRegistry) Find(path api.AgentPath) (*api.Agent, error) {
	z, unlock, ok := r.lockKnownZone(path.Zone)
	if !ok {
		return nil, api.AgentNotFound(path)
	}
	defer unlock()

	agent, ok := z.agents[path]
	if !ok {
		return nil, api.AgentNotFound(path)
	}
	return agent.Clone(), nil
}

// FindBySession returns the agent bound to sessionID
func (r *AgentRegistry) FindBySession(sessionID string) (*api.Agent, error) {
	if sessionID == "" {
		return nil, api.SessionNotFound(sessionID)
	}
	for _, zone := range r.Zones() {
		z, unlock, ok := r.lockKnownZone(zone)
		if !ok {
			continue
		}
		for _, agent := range z.agents {
			if agent.SessionID == sessionID {
				found := agent.Clone()
				unlock()
				return found, nil
			}
		}
		unlock()
	}
	return nil, api.SessionNotFound(sessionID)
}

// FindAvailable returns the idle, unbound agents of zone, longest idle first
func (r *AgentRegistry) FindAvailable(zone string) []*api.Agent {
	z, unlock, ok := r.lockKnownZone(zone)
	if !ok {
		return nil
	}
	defer unlock()
	return availableLocked(z)
}

func availableLocked(z *zoneState) []*api.Agent {
	out := make([]*api.Agent, 0, len(z.agents))
	for _, agent := range z.agents {
		if agent.Status == api.AgentStatusIdle && !agent.HasSession() {
			out = append(out, agent.Clone())
		}
	}
	sortByIdleTime(out)
	return out
}

func sortByIdleTime(agents []*api.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].UpdatedAt.Equal(agents[j].UpdatedAt) {
			return agents[i].Path.Name < agents[j].Path.Name
		}
		return agents[i].UpdatedAt.Before(agents[j].UpdatedAt)
	})
}

// OnlineList returns copies of every online agent of zone
func (r *AgentRegistry) OnlineList(zone string) []*api.Agent {
	z, unlock, ok := r.lockKnownZone(zone)
	if !ok {
		return nil
	}
	defer unlock()

	out := make([]*api.Agent, 0, len(z.agents))
	for _, agent := range z.agents {
		out = append(out, agent.Clone())
	}
	sortByIdleTime(out)
	return out
}

// ReportStatus sets the status of a known agent
func (r *AgentRegistry) ReportStatus(path api.AgentPath, status api.AgentStatus) error {
	z, unlock, ok := r.lockKnownZone(path.Zone)
	if !ok {
		return api.AgentNotFound(path)
	}
	defer unlock()
	return r.setStatusLocked(z, path, status)
}

func (r *AgentRegistry) setStatusLocked(z *zoneState, path api.AgentPath, status api.AgentStatus) error {
	agent, ok := z.agents[path]
	if !ok {
		return api.AgentNotFound(path)
	}
	agent.Status = status
	agent.UpdatedAt = r.now()
	r.publishGauges(path.Zone, z)
	return nil
}

// update applies fn to the live agent under the zone lock
func (r *AgentRegistry) update(path api.AgentPath, fn func(*api.Agent)) error {
	z, unlock, ok := r.lockKnownZone(path.Zone)
	if !ok {
		return api.AgentNotFound(path)
	}
	defer unlock()

	agent, ok := z.agents[path]
	if !ok {
		return api.AgentNotFound(path)
	}
	fn(agent)
	agent.UpdatedAt = r.now()
	r.publishGauges(path.Zone, z)
	return nil
}

// Zones returns the names of every zone reported by ReportOnline
func (r *AgentRegistry) Zones() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	zones := make([]string, 0, len(r.zones))
	for name := range r.zones {
		zones = append(zones, name)
	}
	sort.Strings(zones)
	return zones
}

func (r *AgentRegistry) publishGauges(zone string, z *zoneState) {
	counts := map[api.AgentStatus]int{api.AgentStatusIdle: 0, api.AgentStatusBusy: 0}
	for _, agent := range z.agents {
		counts[agent.Status]++
	}
	for status, n := range counts {
		observability.AgentsByStatus.WithLabelValues(zone, string(status)).Set(float64(n))
	}
}

// Assign resolves the target of req and applies the command's effect on
// the agent while holding the zone lock:
//
//	RUN_SHELL        agent becomes BUSY (session agents stay BUSY)
//	CREATE_SESSION   a new session is bound and the agent becomes BUSY
//	DELETE_SESSION   the session is cleared and the agent becomes IDLE
//	KILL/STOP/...    no change
//
// previous is a snapshot of the agent before the change.
func (r *AgentRegistry) Assign(req *api.CommandRequest) (*api.Agent, *api.Agent, error) {
	z, unlock, ok := r.lockKnownZone(req.Path.Zone)
	if !ok {
		// Selection in an empty zone yields the right not-found error.
		_, err := r.selectLocked(&zoneState{}, req)
		return nil, nil, err
	}
	defer unlock()

	agent, err := r.selectLocked(z, req)
	if err != nil {
		return nil, nil, err
	}
	previous := agent.Clone()
	now := r.now()

	switch req.Type {
	case api.CommandRunShell:
		agent.Status = api.AgentStatusBusy
	case api.CommandCreateSession:
		started := now
		agent.SessionID = uuid.New().String()
		agent.SessionStartedAt = &started
		agent.Status = api.AgentStatusBusy
	case api.CommandDeleteSession:
		agent.SessionID = ""
		agent.SessionStartedAt = nil
		agent.Status = api.AgentStatusIdle
	default:
		return agent.Clone(), previous, nil
	}

	agent.UpdatedAt = now
	r.publishGauges(req.Path.Zone, z)
	return agent.Clone(), previous, nil
}

func (r *AgentRegistry) selectLocked(z *zoneState, req *api.CommandRequest) (*api.Agent, error) {
	if req.SessionID != "" {
		for _, agent := range z.agents {
			if agent.SessionID != req.SessionID {
				continue
			}
			if !req.Path.IsAny() && agent.Path != req.Path {
				return nil, api.AgentNotAvailable(req.Path, "session is bound to another agent")
			}
			if req.Type == api.CommandCreateSession {
				return nil, api.AgentNotAvailable(agent.Path, "session already exists")
			}
			return agent, nil
		}
		return nil, api.SessionNotFound(req.SessionID)
	}

	if req.Path.IsAny() {
		if req.Type == api.CommandDeleteSession {
			return nil, api.SessionNotFound("")
		}
		available := availableLocked(z)
		if len(available) == 0 {
			return nil, api.AgentNotAvailable(req.Path, "no idle agent in zone")
		}
		return z.agents[available[0].Path], nil
	}

	agent, ok := z.agents[req.Path]
	if !ok {
		return nil, api.AgentNotFound(req.Path)
	}
	if req.Type.IsControl() {
		return agent, nil
	}
	if agent.HasSession() {
		return nil, api.AgentNotAvailable(req.Path, "agent is bound to a session")
	}
	if agent.Status != api.AgentStatusIdle {
		return nil, api.AgentNotAvailable(req.Path, "agent is "+string(agent.Status))
	}
	return agent, nil
}

// Restore reverts an agent to the snapshot taken by Assign. Agents that
// went offline in between are ignored.
func (r *AgentRegistry) Restore(previous *api.Agent) error {
	if previous == nil {
		return nil
	}
	err := r.update(previous.Path, func(agent *api.Agent) {
		agent.Status = previous.Status
		agent.SessionID = previous.SessionID
		agent.SessionStartedAt = previous.SessionStartedAt
	})
	if api.IsNotFound(err) {
		return nil
	}
	return err
}
