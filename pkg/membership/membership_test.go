package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/test/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports map[string][]api.AgentPath
}

func (r *recordingReporter) ReportOnline(_ context.Context, zone string, live []api.AgentPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = make(map[string][]api.AgentPath)
	}
	r.reports[zone] = live
}

func (r *recordingReporter) get(zone string) ([]api.AgentPath, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.reports[zone]
	return live, ok
}

func newTestRegistrar(t *testing.T, client *redis.Client, zone, name string) *Registrar {
	t.Helper()
	reg, err := NewRegistrar(client, RegistrarConfig{TTL: 15 * time.Second, Interval: time.Hour}, api.Registration{
		Path:    api.NewAgentPath(zone, name),
		Version: "test",
		Slots:   2,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg
}

func TestAgentKeyRoundTrip(t *testing.T) {
	path := api.NewAgentPath("linux-x64", "runner-1")
	key := AgentKey("fleetd", path)
	assert.Equal(t, "fleetd:zone:linux-x64:agent:runner-1", key)

	parsed, err := ParseAgentKey("fleetd", key)
	require.NoError(t, err)
	assert.Equal(t, path, parsed)

	for _, bad := range []string{
		"other:zone:z:agent:a",
		"fleetd:zone:z",
		"fleetd:zone::agent:a",
		"fleetd:zone:z:agent:",
	} {
		_, err := ParseAgentKey("fleetd", bad)
		assert.Error(t, err, bad)
	}
}

func TestRegistrarConfig_Validate(t *testing.T) {
	cfg := RegistrarConfig{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPrefix, cfg.Prefix)
	assert.Equal(t, 15*time.Second, cfg.TTL)
	assert.Equal(t, 5*time.Second, cfg.Interval)

	bad := RegistrarConfig{TTL: time.Second, Interval: 2 * time.Second}
	assert.Error(t, bad.Validate())
}

func TestNewRegistrar_Validation(t *testing.T) {
	_, client := testutil.NewRedis(t)
	logger := zaptest.NewLogger(t)

	_, err := NewRegistrar(nil, RegistrarConfig{}, api.Registration{Path: api.NewAgentPath("z", "a")}, logger)
	assert.Error(t, err)
	_, err = NewRegistrar(client, RegistrarConfig{}, api.Registration{Path: api.NewAgentPath("z", "")}, logger)
	assert.Error(t, err)
}

func TestRegistrar_StartStop(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	ctx := context.Background()
	reg := newTestRegistrar(t, client, "z1", "a1")

	require.NoError(t, reg.Start(ctx))
	assert.True(t, mr.Exists("fleetd:zone:z1:agent:a1"))
	assert.Equal(t, 15*time.Second, mr.TTL("fleetd:zone:z1:agent:a1"))
	assert.Equal(t, StateHealthy, reg.State())
	assert.False(t, reg.LastHealthy().IsZero())

	require.NoError(t, reg.Stop(ctx))
	assert.False(t, mr.Exists("fleetd:zone:z1:agent:a1"))
}

func TestRegistrar_RefreshKeepsKeyAlive(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	ctx := context.Background()
	reg, err := NewRegistrar(client, RegistrarConfig{TTL: time.Second, Interval: 20 * time.Millisecond}, api.Registration{
		Path: api.NewAgentPath("z1", "a1"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx))
	defer reg.Stop(ctx)

	// Drop the key behind the registrar's back; the heartbeat writes it again.
	mr.Del(reg.Key())
	require.Eventually(t, func() bool { return mr.Exists(reg.Key()) }, time.Second, 10*time.Millisecond)
}

func TestRegistrar_MissedHeartbeats(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	ctx := context.Background()
	reg := newTestRegistrar(t, client, "z1", "a1")

	mr.Close()
	for i := 0; i < 3; i++ {
		assert.Error(t, reg.Register(ctx))
		if i == 0 {
			assert.Equal(t, StateDegraded, reg.State())
		}
	}
	assert.Equal(t, StateUnhealthy, reg.State())
}

func TestWatcher_Sync(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	ctx := context.Background()
	reporter := &recordingReporter{}

	watcher, err := NewWatcher(client, WatcherConfig{Zones: []string{"empty"}}, reporter, zaptest.NewLogger(t))
	require.NoError(t, err)

	a1 := newTestRegistrar(t, client, "z1", "a1")
	a2 := newTestRegistrar(t, client, "z1", "a2")
	b1 := newTestRegistrar(t, client, "z2", "b1")
	for _, r := range []*Registrar{a1, a2, b1} {
		require.NoError(t, r.Register(ctx))
	}
	require.NoError(t, client.Set(ctx, "fleetd:zone:z1:bogus", "x", 0).Err())

	require.NoError(t, watcher.Sync(ctx))

	z1, ok := reporter.get("z1")
	require.True(t, ok)
	assert.ElementsMatch(t, []api.AgentPath{api.NewAgentPath("z1", "a1"), api.NewAgentPath("z1", "a2")}, z1)
	z2, _ := reporter.get("z2")
	assert.Equal(t, []api.AgentPath{api.NewAgentPath("z2", "b1")}, z2)
	empty, ok := reporter.get("empty")
	assert.True(t, ok, "configured zones are reported before any agent appears")
	assert.Empty(t, empty)

	// b1's key expires: z2 is still reported, now with nobody in it.
	mr.FastForward(16 * time.Second)
	require.NoError(t, a1.Register(ctx))

	require.NoError(t, watcher.Sync(ctx))
	z1, _ = reporter.get("z1")
	assert.Equal(t, []api.AgentPath{api.NewAgentPath("z1", "a1")}, z1)
	z2, ok = reporter.get("z2")
	assert.True(t, ok)
	assert.Empty(t, z2)
}

func TestWatcher_List(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	watcher, err := NewWatcher(client, WatcherConfig{}, &recordingReporter{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, name := range []string{"b", "a"} {
		require.NoError(t, newTestRegistrar(t, client, "z1", name).Register(ctx))
	}
	require.NoError(t, client.Set(ctx, AgentKey(DefaultPrefix, api.NewAgentPath("z1", "junk")), "not json", 0).Err())

	regs, err := watcher.List(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, "a", regs[0].Path.Name)
	assert.Equal(t, "b", regs[1].Path.Name)
	assert.Equal(t, 2, regs[0].Slots)
	assert.False(t, regs[0].RegisteredAt.IsZero())
}

func TestWatcher_StartStop(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()
	reporter := &recordingReporter{}

	watcher, err := NewWatcher(client, WatcherConfig{Interval: 10 * time.Millisecond}, reporter, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop()

	require.NoError(t, newTestRegistrar(t, client, "z9", "late").Register(ctx))
	require.Eventually(t, func() bool {
		live, _ := reporter.get("z9")
		return len(live) == 1
	}, time.Second, 10*time.Millisecond)
}
