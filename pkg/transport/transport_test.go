package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/test/testutil"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestNATS(t *testing.T, ns *server.Server) *NATS {
	t.Helper()
	logger := zaptest.NewLogger(t)
	conn, err := Connect(NATSConfig{URL: ns.ClientURL(), Name: t.Name()}, logger)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return NewNATS(conn, time.Second, logger)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "fleet.agent.linux.runner-1", InboxSubject(api.NewAgentPath("linux", "runner-1")))
	assert.Equal(t, "fleet.agent.a_b.c_", InboxSubject(api.NewAgentPath("a.b", "c*")))
	assert.Equal(t, "fleet.logs.linux", LogSubject("linux"))
	assert.Equal(t, "fleet.logs.*", LogSubject(""))
}

func TestNATSConfig_Validate(t *testing.T) {
	cfg := NATSConfig{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, -1, cfg.MaxReconnects)
}

func TestNATS_DeliverToInbox(t *testing.T) {
	ns := testutil.RunNATSServer(t)
	coordinator := newTestNATS(t, ns)
	agent := newTestNATS(t, ns)
	ctx := context.Background()
	path := api.NewAgentPath("z1", "a1")

	cmd := &api.Command{ID: "c1", Path: path, Type: api.CommandRunShell, Payload: "echo hi"}

	err := coordinator.Deliver(ctx, cmd)
	assert.ErrorIs(t, err, ErrNoAgent, "nobody listening yet")

	received := make(chan *api.Command, 1)
	sub, err := agent.SubscribeInbox(path, func(_ context.Context, c *api.Command) error {
		received <- c
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, coordinator.Deliver(ctx, cmd))
	got := <-received
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "echo hi", got.Payload)

	require.NoError(t, sub.Unsubscribe())
	_, err = agent.SubscribeInbox(path, func(context.Context, *api.Command) error {
		return errors.New("slots exhausted")
	})
	require.NoError(t, err)
	assert.EqualError(t, coordinator.Deliver(ctx, cmd), "slots exhausted")
}

func TestNATS_Reports(t *testing.T) {
	ns := testutil.RunNATSServer(t)
	coordinator := newTestNATS(t, ns)
	agent := newTestNATS(t, ns)

	received := make(chan *api.CommandReport, 1)
	_, err := coordinator.SubscribeReports(func(_ context.Context, r *api.CommandReport) {
		received <- r
	})
	require.NoError(t, err)

	require.NoError(t, agent.Report(context.Background(), &api.CommandReport{
		CommandID: "c1",
		Path:      api.NewAgentPath("z1", "a1"),
		Status:    api.CommandStatusExecuted,
		Result:    &api.CommandResult{Pid: 42, ExitValue: api.IntPtr(0)},
	}))

	select {
	case r := <-received:
		assert.Equal(t, api.CommandStatusExecuted, r.Status)
		require.NotNil(t, r.Result)
		assert.Equal(t, 42, r.Result.Pid)
	case <-time.After(2 * time.Second):
		t.Fatal("report not received")
	}
}

func TestNATS_UploadLog(t *testing.T) {
	ns := testutil.RunNATSServer(t)
	coordinator := newTestNATS(t, ns)
	agent := newTestNATS(t, ns)
	ctx := context.Background()

	var mu sync.Mutex
	stored := map[string]string{}
	_, err := coordinator.SubscribeUploads(func(_ context.Context, id string, r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		mu.Lock()
		stored[id] = string(data)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, agent.UploadLog(ctx, "c1", []byte("line 1\nline 2\n")))
	mu.Lock()
	assert.Equal(t, "line 1\nline 2\n", stored["c1"])
	mu.Unlock()
}

func TestNATS_SubscribeLogs(t *testing.T) {
	ns := testutil.RunNATSServer(t)
	tail := newTestNATS(t, ns)
	agent := newTestNATS(t, ns)

	lines := make(chan api.LogLine, 2)
	_, err := tail.SubscribeLogs("", func(l api.LogLine) { lines <- l })
	require.NoError(t, err)

	frame := api.LogLine{Path: api.NewAgentPath("z1", "a1"), CommandID: "c1", Line: "a#b"}.Frame()
	require.NoError(t, agent.Conn().Publish(LogSubject("z1"), []byte("garbage")))
	require.NoError(t, agent.Conn().Publish(LogSubject("z1"), []byte(frame)))

	select {
	case l := <-lines:
		assert.Equal(t, "c1", l.CommandID)
		assert.Equal(t, "a#b", l.Line)
	case <-time.After(2 * time.Second):
		t.Fatal("log line not received")
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	path := api.NewAgentPath("z1", "a1")

	assert.ErrorIs(t, m.Deliver(ctx, &api.Command{ID: "c1", Path: path}), ErrNoAgent)

	var got []string
	sub, err := m.SubscribeInbox(path, func(_ context.Context, c *api.Command) error {
		got = append(got, c.ID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, m.Deliver(ctx, &api.Command{ID: "c1", Path: path}))
	assert.Equal(t, []string{"c1"}, got)
	require.NoError(t, sub.Unsubscribe())
	assert.Error(t, m.Deliver(ctx, &api.Command{ID: "c2", Path: path}))

	var reports []api.CommandStatus
	_, err = m.SubscribeReports(func(_ context.Context, r *api.CommandReport) {
		reports = append(reports, r.Status)
	})
	require.NoError(t, err)
	require.NoError(t, m.Report(ctx, &api.CommandReport{CommandID: "c1", Status: api.CommandStatusRunning}))
	assert.Equal(t, []api.CommandStatus{api.CommandStatusRunning}, reports)

	assert.Error(t, m.UploadLog(ctx, "c1", []byte("x")))
	var uploaded string
	_, err = m.SubscribeUploads(func(_ context.Context, id string, r io.Reader) error {
		data, _ := io.ReadAll(r)
		uploaded = id + ":" + string(data)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, m.UploadLog(ctx, "c1", []byte("x")))
	assert.Equal(t, "c1:x", uploaded)
}
