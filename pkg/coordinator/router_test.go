package coordinator

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []*api.Command
	err  error
}

func (d *recordingDeliverer) Deliver(ctx context.Context, cmd *api.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, cmd.Clone())
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type routerFixture struct {
	router    *Router
	registry  *AgentRegistry
	store     *MemoryCommandStore
	deliverer *recordingDeliverer
	clock     *fakeClock
}

func newRouterFixture(t *testing.T, agents ...string) *routerFixture {
	t.Helper()
	reg, events := newTestRegistry(t)
	reg.ReportOnline(context.Background(), "z1", paths("z1", agents...))

	clock := newFakeClock()
	store := NewMemoryCommandStore()
	deliverer := &recordingDeliverer{}
	router, err := NewRouter(RouterConfig{
		CommandTimeout: time.Minute,
		LogDir:         t.TempDir(),
		LogQueueSize:   1,
	}, reg, store, deliverer, zaptest.NewLogger(t), events)
	require.NoError(t, err)
	router.now = clock.Now

	return &routerFixture{router: router, registry: reg, store: store, deliverer: deliverer, clock: clock}
}

func runShell(zone, name string) *api.CommandRequest {
	return &api.CommandRequest{Path: api.NewAgentPath(zone, name), Type: api.CommandRunShell, Payload: "echo hi"}
}

func TestNewRouter_Validation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := NewRouter(RouterConfig{}, nil, NewMemoryCommandStore(), &recordingDeliverer{}, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
	_, err = NewRouter(RouterConfig{}, reg, nil, &recordingDeliverer{}, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
	_, err = NewRouter(RouterConfig{}, reg, NewMemoryCommandStore(), nil, zaptest.NewLogger(t), nil)
	assert.Error(t, err)

	r, err := NewRouter(RouterConfig{}, reg, NewMemoryCommandStore(), &recordingDeliverer{}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultCommandTimeout, r.config.CommandTimeout)
}

func TestRouter_SendToAnyAgent(t *testing.T) {
	f := newRouterFixture(t, "a1", "a2")
	ctx := context.Background()

	cmd, err := f.router.Send(ctx, runShell("z1", ""))
	require.NoError(t, err)
	assert.Equal(t, api.CommandStatusSent, cmd.Status)
	assert.Equal(t, "a1", cmd.Path.Name)
	require.Equal(t, 1, f.deliverer.count())
	assert.Equal(t, api.CommandStatusPending, f.deliverer.sent[0].Status, "delivered before SENT is recorded")

	agent, err := f.registry.Find(cmd.Path)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusBusy, agent.Status)

	second, err := f.router.Send(ctx, runShell("z1", ""))
	require.NoError(t, err)
	assert.Equal(t, "a2", second.Path.Name)

	_, err = f.router.Send(ctx, runShell("z1", ""))
	assert.True(t, api.IsNotAvailable(err), "zone has no idle agent left")
}

func TestRouter_SendErrors(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()

	tests := []struct {
		name  string
		req   *api.CommandRequest
		check func(error) bool
	}{
		{"missing zone", runShell("", "a1"), func(err error) bool { return err != nil }},
		{"unknown agent", runShell("z1", "ghost"), api.IsNotFound},
		{"empty zone", runShell("z2", ""), api.IsNotAvailable},
		{"unknown session", &api.CommandRequest{Path: api.NewAgentPath("z1", ""), Type: api.CommandRunShell, Payload: "ls", SessionID: "nope"}, api.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.Send(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}

	cmds, err := f.store.List(ctx, CommandFilter{})
	require.NoError(t, err)
	assert.Empty(t, cmds, "failed selection persists nothing")
}

func TestRouter_ControlCommandReachesBusyAgent(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()

	_, err := f.router.Send(ctx, runShell("z1", "a1"))
	require.NoError(t, err)

	_, err = f.router.Send(ctx, runShell("z1", "a1"))
	assert.True(t, api.IsNotAvailable(err))

	kill, err := f.router.Send(ctx, &api.CommandRequest{Path: api.NewAgentPath("z1", "a1"), Type: api.CommandKill})
	require.NoError(t, err)
	assert.Equal(t, api.CommandStatusSent, kill.Status)
}

func TestRouter_DeliveryFailureRestoresAgent(t *testing.T) {
	f := newRouterFixture(t, "a1")
	f.deliverer.err = errors.New("inbox unreachable")
	ctx := context.Background()

	_, err := f.router.Send(ctx, runShell("z1", "a1"))
	require.Error(t, err)

	agent, err := f.registry.Find(api.NewAgentPath("z1", "a1"))
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusIdle, agent.Status)

	failed, err := f.router.ListByStatus(ctx, api.CommandStatusException)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Result.ErrorMessage, "inbox unreachable")
}

// restoreRecorder captures the command statuses seen when an agent is
// handed back after an aborted send
type restoreRecorder struct {
	*AgentRegistry
	store    CommandStore
	statuses []api.CommandStatus
}

func (r *restoreRecorder) Restore(previous *api.Agent) error {
	cmds, err := r.store.List(context.Background(), CommandFilter{})
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		r.statuses = append(r.statuses, cmd.Status)
	}
	return r.AgentRegistry.Restore(previous)
}

func TestRouter_DeliveryFailureSettlesCommandBeforeRelease(t *testing.T) {
	reg, events := newTestRegistry(t)
	reg.ReportOnline(context.Background(), "z1", paths("z1", "a1"))
	store := NewMemoryCommandStore()
	recorder := &restoreRecorder{AgentRegistry: reg, store: store}

	router, err := NewRouter(RouterConfig{LogDir: t.TempDir()}, recorder, store,
		&recordingDeliverer{err: errors.New("inbox unreachable")}, zaptest.NewLogger(t), events)
	require.NoError(t, err)

	_, err = router.Send(context.Background(), runShell("z1", "a1"))
	require.Error(t, err)
	assert.Equal(t, []api.CommandStatus{api.CommandStatusException}, recorder.statuses)
}

func TestRouter_UpdateStatusLifecycle(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()
	path := api.NewAgentPath("z1", "a1")

	cmd, err := f.router.Send(ctx, runShell("z1", "a1"))
	require.NoError(t, err)

	report := func(status api.CommandStatus, result *api.CommandResult) {
		t.Helper()
		require.NoError(t, f.router.UpdateStatus(ctx, &api.CommandReport{CommandID: cmd.ID, Path: path, Status: status, Result: result}))
	}

	report(api.CommandStatusRunning, &api.CommandResult{Pid: 42})
	agent, _ := f.registry.Find(path)
	assert.Equal(t, api.AgentStatusBusy, agent.Status)

	report(api.CommandStatusExecuted, &api.CommandResult{Pid: 42, ExitValue: api.IntPtr(0)})
	agent, _ = f.registry.Find(path)
	assert.Equal(t, api.AgentStatusIdle, agent.Status, "EXECUTED releases the agent")

	// The agent is picked up by another command before LOGGED arrives.
	next, err := f.router.Send(ctx, runShell("z1", "a1"))
	require.NoError(t, err)

	report(api.CommandStatusLogged, nil)
	agent, _ = f.registry.Find(path)
	assert.Equal(t, api.AgentStatusBusy, agent.Status, "release happens once per command")

	// Stale and duplicate reports are no-ops.
	report(api.CommandStatusRunning, nil)
	report(api.CommandStatusException, &api.CommandResult{ErrorMessage: "late"})

	got, err := f.router.Find(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, api.CommandStatusLogged, got.Status)
	assert.Equal(t, 42, got.Result.Pid)
	require.NotNil(t, got.Result.ExitValue)

	still, err := f.router.Find(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, api.CommandStatusSent, still.Status)
}

func TestRouter_UpdateStatusErrors(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()

	err := f.router.UpdateStatus(ctx, &api.CommandReport{CommandID: "missing", Status: api.CommandStatusRunning})
	assert.True(t, api.IsNotFound(err))

	err = f.router.UpdateStatus(ctx, &api.CommandReport{CommandID: "missing", Status: "DONE"})
	assert.Error(t, err)
}

func TestRouter_RejectedReleasesAgent(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()

	cmd, err := f.router.Send(ctx, runShell("z1", "a1"))
	require.NoError(t, err)
	require.NoError(t, f.router.UpdateStatus(ctx, &api.CommandReport{
		CommandID: cmd.ID,
		Status:    api.CommandStatusRejected,
		Result:    api.NewRejectedResult(time.Now()),
	}))

	got, err := f.router.Find(ctx, cmd.ID)
	require.NoError(t, err)
	assert.True(t, got.Result.IsRejected())

	agent, _ := f.registry.Find(cmd.Path)
	assert.Equal(t, api.AgentStatusIdle, agent.Status)

	next, err := f.router.Send(ctx, runShell("z1", ""))
	require.NoError(t, err)
	assert.Equal(t, cmd.Path, next.Path)
}

func TestRouter_RejectedSessionCommandKeepsSession(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()
	path := api.NewAgentPath("z1", "a1")

	create, err := f.router.Send(ctx, &api.CommandRequest{Path: path, Type: api.CommandCreateSession})
	require.NoError(t, err)
	run, err := f.router.Send(ctx, &api.CommandRequest{Path: path, Type: api.CommandRunShell, Payload: "make", SessionID: create.SessionID})
	require.NoError(t, err)

	require.NoError(t, f.router.UpdateStatus(ctx, &api.CommandReport{
		CommandID: run.ID,
		Status:    api.CommandStatusRejected,
		Result:    api.NewRejectedResult(time.Now()),
	}))

	agent, _ := f.registry.Find(path)
	assert.Equal(t, api.AgentStatusBusy, agent.Status)
	assert.Equal(t, create.SessionID, agent.SessionID)
}

func TestRouter_SessionCommands(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()
	path := api.NewAgentPath("z1", "a1")

	create, err := f.router.Send(ctx, &api.CommandRequest{Path: path, Type: api.CommandCreateSession})
	require.NoError(t, err)
	require.NotEmpty(t, create.SessionID)

	agent, _ := f.registry.Find(path)
	assert.Equal(t, create.SessionID, agent.SessionID)

	run, err := f.router.Send(ctx, &api.CommandRequest{Path: api.NewAgentPath("z1", ""), Type: api.CommandRunShell, Payload: "make", SessionID: create.SessionID})
	require.NoError(t, err)
	assert.Equal(t, path, run.Path)

	require.NoError(t, f.router.UpdateStatus(ctx, &api.CommandReport{CommandID: run.ID, Status: api.CommandStatusExecuted}))
	agent, _ = f.registry.Find(path)
	assert.Equal(t, api.AgentStatusBusy, agent.Status, "session-scoped completion keeps the agent")
	assert.True(t, agent.HasSession())

	del, err := f.router.Send(ctx, &api.CommandRequest{Path: path, Type: api.CommandDeleteSession})
	require.NoError(t, err)
	assert.Equal(t, create.SessionID, del.SessionID)

	agent, _ = f.registry.Find(path)
	assert.False(t, agent.HasSession())
	assert.Equal(t, api.AgentStatusIdle, agent.Status)
}

func TestRouter_CheckTimeouts(t *testing.T) {
	f := newRouterFixture(t, "a1", "a2")
	ctx := context.Background()

	old, err := f.router.Send(ctx, runShell("z1", "a1"))
	require.NoError(t, err)

	f.clock.t = f.clock.t.Add(2 * time.Minute)
	fresh, err := f.router.Send(ctx, runShell("z1", "a2"))
	require.NoError(t, err)

	assert.True(t, f.router.IsTimeout(old))
	assert.False(t, f.router.IsTimeout(fresh))

	n, err := f.router.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.router.Find(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, api.CommandStatusTimeoutKill, got.Status)
	assert.Contains(t, got.Result.ErrorMessage, "timed out")

	agent, _ := f.registry.Find(old.Path)
	assert.Equal(t, api.AgentStatusIdle, agent.Status)

	// The agent of the timed out command is told to kill its processes.
	require.Equal(t, 3, f.deliverer.count())
	kill := f.deliverer.sent[2]
	assert.Equal(t, api.CommandKill, kill.Type)
	assert.Equal(t, old.Path, kill.Path)

	// A late EXECUTED report cannot resurrect a timed out command.
	require.NoError(t, f.router.UpdateStatus(ctx, &api.CommandReport{CommandID: old.ID, Status: api.CommandStatusExecuted}))
	got, _ = f.router.Find(ctx, old.ID)
	assert.Equal(t, api.CommandStatusTimeoutKill, got.Status)

	n, err = f.router.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, f.deliverer.count())
}

func TestRouter_CheckTimeoutsDoesNotKillForControlCommands(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()

	stop, err := f.router.Send(ctx, &api.CommandRequest{Path: api.NewAgentPath("z1", "a1"), Type: api.CommandStop})
	require.NoError(t, err)

	f.clock.t = f.clock.t.Add(2 * time.Minute)
	n, err := f.router.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.deliverer.count())

	got, err := f.router.Find(ctx, stop.ID)
	require.NoError(t, err)
	assert.Equal(t, api.CommandStatusTimeoutKill, got.Status)
}

func TestRouter_CheckTimeoutsWithOfflineAgent(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()

	old, err := f.router.Send(ctx, runShell("z1", "a1"))
	require.NoError(t, err)
	f.registry.ReportOnline(ctx, "z1", nil)

	f.clock.t = f.clock.t.Add(2 * time.Minute)
	n, err := f.router.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.router.Find(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, api.CommandStatusTimeoutKill, got.Status)
}

func TestRouter_CreateAndList(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()

	created, err := f.router.Create(ctx, runShell("z1", "a1"))
	require.NoError(t, err)
	assert.Equal(t, api.CommandStatusPending, created.Status)
	assert.Zero(t, f.deliverer.count())

	_, err = f.router.Create(ctx, &api.CommandRequest{Path: api.NewAgentPath("z1", "a1"), Type: "BOGUS"})
	assert.Error(t, err)

	byAgent, err := f.router.ListByAgent(ctx, api.NewAgentPath("z1", "a1"))
	require.NoError(t, err)
	assert.Len(t, byAgent, 1)

	byZone, err := f.router.ListByZone(ctx, "z2")
	require.NoError(t, err)
	assert.Empty(t, byZone)
}

func TestRouter_SaveLog(t *testing.T) {
	f := newRouterFixture(t, "a1")
	ctx := context.Background()

	cmd, err := f.router.Send(ctx, runShell("z1", "a1"))
	require.NoError(t, err)

	path, err := f.router.SaveLog(ctx, cmd.ID, strings.NewReader("line 1\nline 2\n"))
	require.NoError(t, err)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	zr, err := gzip.NewReader(file)
	require.NoError(t, err)
	content, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", string(content))

	got, err := f.router.Find(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, got.LogPaths)

	// Queue holds one entry; the second hand-off is dropped but still saved.
	second, err := f.router.SaveLog(ctx, cmd.ID, strings.NewReader("again"))
	require.NoError(t, err)
	assert.NotEqual(t, path, second)

	assert.Equal(t, path, <-f.router.LogQueue())
	select {
	case p := <-f.router.LogQueue():
		t.Fatalf("unexpected queued path %s", p)
	default:
	}

	_, err = f.router.SaveLog(ctx, "missing", strings.NewReader("x"))
	assert.True(t, api.IsNotFound(err))
}
