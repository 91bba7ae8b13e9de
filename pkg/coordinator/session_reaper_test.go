package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSessionReaper_IsSessionTimeout(t *testing.T) {
	reaper := NewSessionReaper(nil, nil, 10*time.Minute, zaptest.NewLogger(t), nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reaper.now = func() time.Time { return now }

	started := func(ago time.Duration) *api.Agent {
		// Session start in a non-UTC zone must compare on the same clock.
		at := now.Add(-ago).In(time.FixedZone("UTC+8", 8*3600))
		return &api.Agent{Path: api.NewAgentPath("z1", "a1"), SessionID: "s1", SessionStartedAt: &at}
	}

	assert.False(t, reaper.IsSessionTimeout(started(9*time.Minute)))
	assert.True(t, reaper.IsSessionTimeout(started(10*time.Minute)))
	assert.True(t, reaper.IsSessionTimeout(started(time.Hour)))

	assert.Panics(t, func() {
		reaper.IsSessionTimeout(&api.Agent{Path: api.NewAgentPath("z1", "a1")})
	})
}

func TestSessionReaper_Reap(t *testing.T) {
	f := newRouterFixture(t, "a1", "a2")
	ctx := context.Background()

	session, err := f.router.Send(ctx, &api.CommandRequest{Path: api.NewAgentPath("z1", "a1"), Type: api.CommandCreateSession})
	require.NoError(t, err)

	bound, err := f.registry.FindBySession(session.SessionID)
	require.NoError(t, err)
	start := *bound.SessionStartedAt

	reaper := NewSessionReaper(f.registry, f.router, time.Minute, zaptest.NewLogger(t), nil)

	reaper.now = func() time.Time { return start.Add(30 * time.Second) }
	assert.Zero(t, reaper.Reap(ctx), "fresh session is kept")

	reaper.now = func() time.Time { return start.Add(time.Hour) }
	assert.Equal(t, 1, reaper.Reap(ctx))

	deletes, err := f.router.ListByAgent(ctx, api.NewAgentPath("z1", "a1"))
	require.NoError(t, err)
	require.Len(t, deletes, 2)
	assert.Equal(t, api.CommandDeleteSession, deletes[1].Type)
	assert.Equal(t, session.SessionID, deletes[1].SessionID)

	agent, err := f.registry.Find(api.NewAgentPath("z1", "a1"))
	require.NoError(t, err)
	assert.False(t, agent.HasSession())
	assert.Equal(t, api.AgentStatusIdle, agent.Status)

	assert.Zero(t, reaper.Reap(ctx), "session already closed")
}

func TestNewSessionReaper_DefaultTimeout(t *testing.T) {
	reaper := NewSessionReaper(nil, nil, 0, zaptest.NewLogger(t), nil)
	assert.Equal(t, defaultSessionTimeout, reaper.timeout)
}
