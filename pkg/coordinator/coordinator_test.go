package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetd/fleetd/pkg/agent"
	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/broker"
	"github.com/fleetd/fleetd/pkg/membership"
	"github.com/fleetd/fleetd/pkg/provision"
	"github.com/fleetd/fleetd/pkg/transport"
	"github.com/fleetd/fleetd/test/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfig_Validate(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cfg := &Config{DataDir: "/tmp/fleetd", Logger: logger, Zones: []ZoneConfig{{Name: "z1"}}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/tmp/fleetd/logs", cfg.Router.LogDir)
	assert.Equal(t, membership.DefaultPrefix, cfg.MembershipPrefix)
	assert.Equal(t, 30*time.Second, cfg.TimeoutCheckInterval)
	assert.Equal(t, 60*time.Second, cfg.SizingInterval)
	assert.Equal(t, ProvisionerStatic, cfg.Zones[0].Provisioner)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing logger", Config{DataDir: "/tmp"}},
		{"missing data dir", Config{Logger: logger}},
		{"raft without address", Config{DataDir: "/tmp", Logger: logger, RaftID: "c1"}},
		{"duplicate zone", Config{DataDir: "/tmp", Logger: logger, Zones: []ZoneConfig{{Name: "z1"}, {Name: "z1"}}}},
		{"inverted bounds", Config{DataDir: "/tmp", Logger: logger, Zones: []ZoneConfig{{Name: "z1", MinIdle: 3, MaxIdle: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestNew_RejectsUnknownProvisioner(t *testing.T) {
	_, err := New(&Config{
		DataDir: t.TempDir(),
		Logger:  zaptest.NewLogger(t),
		Zones:   []ZoneConfig{{Name: "z1", Provisioner: "cloud"}},
	}, Backends{Broker: broker.NewMemoryBroker(), Transport: transport.NewMemory()})
	assert.Error(t, err)
}

func TestCoordinator_DispatchesQueuedCommand(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	_, client := testutil.NewRedis(t)
	tr := transport.NewMemory()
	b := broker.NewMemoryBroker()

	coord, err := New(&Config{
		DataDir:       t.TempDir(),
		Logger:        logger,
		WatchInterval: 20 * time.Millisecond,
		Zones:         []ZoneConfig{{Name: "z1"}},
	}, Backends{Broker: b, Transport: tr, Redis: client})
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)
	assert.True(t, coord.Ready())
	assert.True(t, coord.IsLeader())

	a, err := agent.New(&agent.Config{Zone: "z1", Name: "a1", Shell: "/bin/sh", Logger: logger}, tr)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	reg, err := membership.NewRegistrar(client, membership.RegistrarConfig{}, api.Registration{Path: a.Path(), Slots: 1}, logger)
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx))

	require.Eventually(t, func() bool {
		return len(coord.Registry().OnlineList("z1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg, err := EncodeRequest(&api.CommandRequest{
		Path:    api.NewAgentPath("z1", ""),
		Type:    api.CommandRunShell,
		Payload: "echo hello",
	}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, msg))

	var cmd *api.Command
	require.Eventually(t, func() bool {
		cmds, err := coord.Router().ListByAgent(ctx, a.Path())
		if err != nil || len(cmds) != 1 {
			return false
		}
		cmd = cmds[0]
		return cmd.Status == api.CommandStatusLogged
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, cmd.Result)
	require.NotNil(t, cmd.Result.ExitValue)
	assert.Equal(t, 0, *cmd.Result.ExitValue)
	assert.Len(t, cmd.LogPaths, 1)

	found, err := coord.Registry().Find(a.Path())
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusIdle, found.Status)
}

func TestCoordinator_SizingUsesInjectedProvisioner(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	static := provision.NewStaticManager("z1", logger)

	coord, err := New(&Config{
		DataDir:        t.TempDir(),
		Logger:         logger,
		SizingInterval: 10 * time.Millisecond,
		Zones:          []ZoneConfig{{Name: "z1", MinIdle: 2}},
	}, Backends{
		Broker:       broker.NewMemoryBroker(),
		Transport:    transport.NewMemory(),
		Provisioners: map[string]provision.InstanceManager{"z1": static},
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	require.Eventually(t, func() bool { return static.Requested() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestPeriodicRunner(t *testing.T) {
	_, err := NewPeriodicRunner(zaptest.NewLogger(t), PeriodicTask{Name: "x", Interval: 0, Run: func(context.Context) {}})
	assert.Error(t, err)
	_, err = NewPeriodicRunner(zaptest.NewLogger(t), PeriodicTask{Name: "x", Interval: time.Second})
	assert.Error(t, err)

	var runs, panics atomic.Int32
	runner, err := NewPeriodicRunner(zaptest.NewLogger(t),
		PeriodicTask{Name: "count", Interval: 5 * time.Millisecond, Run: func(context.Context) { runs.Add(1) }},
		PeriodicTask{Name: "boom", Interval: 5 * time.Millisecond, Run: func(context.Context) {
			panics.Add(1)
			panic("boom")
		}},
	)
	require.NoError(t, err)
	require.NoError(t, runner.Start(context.Background()))

	require.Eventually(t, func() bool { return runs.Load() >= 3 && panics.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, runner.Stop())

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

type e2eFixture struct {
	coord  *Coordinator
	broker *broker.MemoryBroker
	tr     *transport.Memory
	client *redis.Client
}

func startE2E(t *testing.T, mutate func(*Config)) *e2eFixture {
	t.Helper()
	ctx := context.Background()
	_, client := testutil.NewRedis(t)
	f := &e2eFixture{broker: broker.NewMemoryBroker(), tr: transport.NewMemory(), client: client}

	cfg := &Config{
		DataDir:       t.TempDir(),
		Logger:        zaptest.NewLogger(t),
		WatchInterval: 20 * time.Millisecond,
		Zones:         []ZoneConfig{{Name: "z1"}},
	}
	if mutate != nil {
		mutate(cfg)
	}
	coord, err := New(cfg, Backends{Broker: f.broker, Transport: f.tr, Redis: client})
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() { coord.Stop(context.Background()) })
	f.coord = coord
	return f
}

// addAgent starts an agent and registers it with the coordination service
func (f *e2eFixture) addAgent(t *testing.T, name string) *agent.Agent {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	// A second slot covers the log upload that still runs after EXECUTED
	// has released the agent.
	a, err := agent.New(&agent.Config{Zone: "z1", Name: name, ConcurrentProcNum: 2, Shell: "/bin/sh", Logger: logger}, f.tr)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { a.Stop() })

	reg, err := membership.NewRegistrar(f.client, membership.RegistrarConfig{}, api.Registration{Path: a.Path(), Slots: 2}, logger)
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx))
	return a
}

func (f *e2eFixture) waitOnline(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.coord.Registry().OnlineList("z1")) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func (f *e2eFixture) queue(t *testing.T, script string) {
	t.Helper()
	msg, err := EncodeRequest(&api.CommandRequest{
		Path:    api.NewAgentPath("z1", ""),
		Type:    api.CommandRunShell,
		Payload: script,
	}, broker.DefaultPriority)
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(context.Background(), msg))
}

// commands returns the RUN_SHELL records by payload
func (f *e2eFixture) commands(t *testing.T) map[string]*api.Command {
	t.Helper()
	cmds, err := f.coord.Router().ListByZone(context.Background(), "z1")
	require.NoError(t, err)
	out := make(map[string]*api.Command, len(cmds))
	for _, cmd := range cmds {
		if cmd.Type == api.CommandRunShell {
			out[cmd.Payload] = cmd
		}
	}
	return out
}

func TestCoordinator_TimedOutCommandIsKilledAndAgentReused(t *testing.T) {
	f := startE2E(t, func(c *Config) {
		c.Router.CommandTimeout = 500 * time.Millisecond
		c.TimeoutCheckInterval = 50 * time.Millisecond
	})
	a := f.addAgent(t, "a1")
	f.waitOnline(t, 1)

	f.queue(t, "exec sleep 30")
	require.Eventually(t, func() bool {
		cmd, ok := f.commands(t)["exec sleep 30"]
		return ok && cmd.Status == api.CommandStatusTimeoutKill
	}, 5*time.Second, 20*time.Millisecond)

	// The process is gone, not just the record.
	require.Eventually(t, func() bool { return len(a.Pool().Running()) == 0 }, 5*time.Second, 20*time.Millisecond)

	cmds, err := f.coord.Router().ListByAgent(context.Background(), a.Path())
	require.NoError(t, err)
	var kills int
	for _, cmd := range cmds {
		if cmd.Type == api.CommandKill {
			kills++
		}
	}
	assert.Equal(t, 1, kills)

	f.queue(t, "echo after")
	require.Eventually(t, func() bool {
		cmd, ok := f.commands(t)["echo after"]
		return ok && cmd.Status == api.CommandStatusLogged
	}, 5*time.Second, 20*time.Millisecond)

	after := f.commands(t)["echo after"]
	assert.Equal(t, a.Path(), after.Path)
	require.NotNil(t, after.Result.ExitValue)
	assert.Equal(t, 0, *after.Result.ExitValue)
	assert.Empty(t, a.Pool().Rejected(), "the agent had a free slot for the next command")

	found, err := f.coord.Registry().Find(a.Path())
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusIdle, found.Status)
}

func TestCoordinator_SpreadsQueuedCommandsAcrossAgents(t *testing.T) {
	f := startE2E(t, func(c *Config) {
		c.Queue = QueueConfig{RetryLimit: 10, RetryDelay: 50 * time.Millisecond}
	})
	a1 := f.addAgent(t, "a1")
	a2 := f.addAgent(t, "a2")
	f.waitOnline(t, 2)

	scripts := []string{"sleep 0.3; echo one", "sleep 0.3; echo two", "echo three"}
	for _, s := range scripts {
		f.queue(t, s)
	}

	require.Eventually(t, func() bool {
		cmds := f.commands(t)
		for _, s := range scripts {
			if cmd, ok := cmds[s]; !ok || cmd.Status != api.CommandStatusLogged {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	cmds := f.commands(t)
	assert.NotEqual(t, cmds[scripts[0]].Path, cmds[scripts[1]].Path, "concurrent commands run on different agents")
	for _, s := range scripts {
		require.NotNil(t, cmds[s].Result.ExitValue, s)
		assert.Equal(t, 0, *cmds[s].Result.ExitValue, s)
		assert.Len(t, cmds[s].LogPaths, 1, s)
	}

	for _, a := range []*agent.Agent{a1, a2} {
		assert.Empty(t, a.Pool().Rejected(), a.Path().String())
		found, err := f.coord.Registry().Find(a.Path())
		require.NoError(t, err)
		assert.Equal(t, api.AgentStatusIdle, found.Status, a.Path().String())
	}
}
