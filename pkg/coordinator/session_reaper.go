package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/observability"
	"go.uber.org/zap"
)

const defaultSessionTimeout = 600 * time.Second

// SessionReaper closes agent sessions that outlived the session timeout
type SessionReaper struct {
	registry Registry
	sender   Sender
	timeout  time.Duration
	logger   *zap.Logger
	events   *observability.EventStream
	now      func() time.Time
}

// NewSessionReaper creates a reaper. A non-positive timeout uses the default.
func NewSessionReaper(registry Registry, sender Sender, timeout time.Duration, logger *zap.Logger, events *observability.EventStream) *SessionReaper {
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	return &SessionReaper{
		registry: registry,
		sender:   sender,
		timeout:  timeout,
		logger:   logger,
		events:   events,
		now:      time.Now,
	}
}

// IsSessionTimeout reports whether agent's session has expired. Callers
// must only pass session-bound agents; anything else panics.
func (r *SessionReaper) IsSessionTimeout(agent *api.Agent) bool {
	if !agent.HasSession() || agent.SessionStartedAt == nil {
		panic(fmt.Sprintf("session timeout check on agent %s without a session", agent.Path))
	}
	elapsed := r.now().UTC().Sub(agent.SessionStartedAt.UTC())
	return elapsed >= r.timeout
}

// Reap sends DELETE_SESSION to every agent whose session timed out and
// returns how many were sent.
func (r *SessionReaper) Reap(ctx context.Context) int {
	reaped := 0
	for _, zone := range r.registry.Zones() {
		for _, agent := range r.registry.OnlineList(zone) {
			if !agent.HasSession() || !r.IsSessionTimeout(agent) {
				continue
			}

			_, err := r.sender.Send(ctx, &api.CommandRequest{
				Path:      agent.Path,
				Type:      api.CommandDeleteSession,
				SessionID: agent.SessionID,
			})
			if err != nil {
				r.logger.Warn("Failed to close timed out session",
					zap.String("agent", agent.Path.String()),
					zap.String("session_id", agent.SessionID),
					zap.Error(err),
				)
				continue
			}

			reaped++
			observability.SessionsReapedTotal.WithLabelValues(zone).Inc()
			r.events.RecordEvent(ctx, observability.NewSessionReapedEvent(zone, agent.Path.Name, agent.SessionID))
		}
	}
	return reaped
}
