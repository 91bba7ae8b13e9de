package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	tracerName = "fleetd/coordinator"

	defaultCommandTimeout = 300 * time.Second
	defaultLogQueueSize   = 100
)

// Deliverer puts a command into the inbox of its target agent
type Deliverer interface {
	Deliver(ctx context.Context, cmd *api.Command) error
}

// RouterConfig configures the command router
type RouterConfig struct {
	// CommandTimeout is how long a SENT or RUNNING command may live
	// before CheckTimeouts marks it TIMEOUT_KILL
	CommandTimeout time.Duration

	// LogDir receives full command logs written by SaveLog
	LogDir string

	// LogQueueSize bounds the saved-log hand-off queue
	LogQueueSize int
}

// Validate fills defaults
func (c *RouterConfig) Validate() error {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.LogQueueSize <= 0 {
		c.LogQueueSize = defaultLogQueueSize
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(os.TempDir(), "fleetd", "logs")
	}
	return nil
}

// Router turns command requests into delivered command records and
// applies the status reports agents send back.
type Router struct {
	config    RouterConfig
	registry  Registry
	store     CommandStore
	deliverer Deliverer
	logger    *zap.Logger
	events    *observability.EventStream

	// mu serializes read-modify-write of command records
	mu       sync.Mutex
	logQueue chan string
	now      func() time.Time
}

// NewRouter creates a router. events may be nil.
func NewRouter(config RouterConfig, registry Registry, store CommandStore, deliverer Deliverer, logger *zap.Logger, events *observability.EventStream) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("command store is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Router{
		config:    config,
		registry:  registry,
		store:     store,
		deliverer: deliverer,
		logger:    logger,
		events:    events,
		logQueue:  make(chan string, config.LogQueueSize),
		now:       time.Now,
	}, nil
}

// Send selects the target agent, persists the command and delivers it.
// It fails with ErrNotFound or ErrNotAvailable before anything is
// persisted when no agent can take the command.
func (r *Router) Send(ctx context.Context, req *api.CommandRequest) (cmd *api.Command, err error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "Router.Send")
	defer func() { observability.EndSpan(span, err) }()

	if err = req.Validate(); err != nil {
		return nil, err
	}
	observability.SetSpanAttributes(ctx,
		attribute.String("command.type", string(req.Type)),
		attribute.String("agent.zone", req.Path.Zone),
	)

	agent, previous, err := r.registry.Assign(req)
	if err != nil {
		observability.CommandsDispatchedTotal.WithLabelValues(req.Path.Zone, string(req.Type), dispatchResult(err)).Inc()
		return nil, err
	}

	now := r.now()
	cmd = &api.Command{
		ID:        uuid.New().String(),
		Path:      agent.Path,
		Type:      req.Type,
		Payload:   req.Payload,
		SessionID: sessionOf(req, agent, previous),
		Status:    api.CommandStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx = observability.WithCommandID(ctx, cmd.ID)
	ctx = observability.WithAgent(ctx, cmd.Path.Zone, cmd.Path.Name)
	logger := observability.ContextLogger(ctx, r.logger)
	observability.SetSpanAttributes(ctx,
		attribute.String("command.id", cmd.ID),
		attribute.String("agent.name", cmd.Path.Name),
	)

	if err = r.store.Save(ctx, cmd); err != nil {
		r.restore(logger, previous)
		return nil, fmt.Errorf("failed to persist command: %w", err)
	}

	if err = r.deliverer.Deliver(ctx, cmd); err != nil {
		// The record goes terminal before the agent is offered again.
		r.fail(ctx, cmd.ID, err)
		r.restore(logger, previous)
		observability.CommandsDispatchedTotal.WithLabelValues(cmd.Path.Zone, string(cmd.Type), "delivery_failed").Inc()
		r.events.RecordEvent(ctx, observability.Event{
			Type:        observability.EventCommandFailed,
			Severity:    observability.SeverityError,
			Zone:        cmd.Path.Zone,
			ResourceID:  cmd.ID,
			Description: fmt.Sprintf("Failed to deliver %s to %s", cmd.Type, cmd.Path),
			Error:       err.Error(),
		})
		return nil, fmt.Errorf("failed to deliver command %s: %w", cmd.ID, err)
	}

	// The agent has the command now. A record that fails to reach SENT
	// still advances with the agent's reports.
	sent, err := r.transition(ctx, cmd.ID, api.CommandStatusSent, nil)
	if err != nil {
		logger.Warn("Command delivered but not marked sent", zap.Error(err))
		sent, err = cmd, nil
	}

	observability.CommandsDispatchedTotal.WithLabelValues(cmd.Path.Zone, string(cmd.Type), "sent").Inc()
	r.events.RecordEvent(ctx, observability.Event{
		Type:        observability.EventCommandSent,
		Severity:    observability.SeverityInfo,
		Zone:        cmd.Path.Zone,
		ResourceID:  cmd.ID,
		Description: fmt.Sprintf("Sent %s to %s", cmd.Type, cmd.Path),
	})
	logger.Info("Command sent", zap.String("type", string(cmd.Type)))

	return sent, nil
}

func dispatchResult(err error) string {
	switch {
	case api.IsNotFound(err):
		return "not_found"
	case api.IsNotAvailable(err):
		return "not_available"
	default:
		return "error"
	}
}

// sessionOf picks the session a command belongs to
func sessionOf(req *api.CommandRequest, agent, previous *api.Agent) string {
	switch {
	case req.SessionID != "":
		return req.SessionID
	case req.Type == api.CommandCreateSession:
		return agent.SessionID
	case req.Type == api.CommandDeleteSession:
		return previous.SessionID
	default:
		return ""
	}
}

func (r *Router) restore(logger *zap.Logger, previous *api.Agent) {
	if err := r.registry.Restore(previous); err != nil {
		logger.Warn("Failed to restore agent after aborted send", zap.Error(err))
	}
}

func (r *Router) fail(ctx context.Context, id string, cause error) {
	result := &api.CommandResult{ErrorMessage: cause.Error()}
	if _, err := r.transition(ctx, id, api.CommandStatusException, result); err != nil {
		r.logger.Warn("Failed to record delivery failure",
			zap.String("command_id", id),
			zap.Error(err),
		)
	}
}

// Create persists a PENDING command without selecting or contacting an agent
func (r *Router) Create(ctx context.Context, req *api.CommandRequest) (*api.Command, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := r.now()
	cmd := &api.Command{
		ID:        uuid.New().String(),
		Path:      req.Path,
		Type:      req.Type,
		Payload:   req.Payload,
		SessionID: req.SessionID,
		Status:    api.CommandStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Save(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to persist command: %w", err)
	}
	return cmd, nil
}

// UpdateStatus applies an agent report. Reports that would move the
// command backwards or past its first terminal status are ignored.
func (r *Router) UpdateStatus(ctx context.Context, report *api.CommandReport) error {
	if !report.Status.Valid() {
		return fmt.Errorf("unknown command status: %q", report.Status)
	}
	_, err := r.transition(ctx, report.CommandID, report.Status, report.Result)
	return err
}

// transition moves a command forward and releases its agent the first
// time the command reaches a releasing status.
func (r *Router) transition(ctx context.Context, id string, status api.CommandStatus, result *api.CommandResult) (*api.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !cmd.Status.CanTransition(status) {
		observability.CommandReportsIgnoredTotal.Inc()
		r.logger.Debug("Ignoring command status report",
			zap.String("command_id", id),
			zap.String("current", string(cmd.Status)),
			zap.String("reported", string(status)),
		)
		return cmd, nil
	}

	released := cmd.Status.ReleasesAgent()
	cmd.Status = status
	cmd.UpdatedAt = r.now()
	if result != nil {
		res := *result
		cmd.Result = &res
	}

	if err := r.store.Save(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to persist command status: %w", err)
	}
	observability.CommandStatusTransitionsTotal.WithLabelValues(string(status)).Inc()

	if status == api.CommandStatusRejected {
		r.events.RecordEvent(ctx, observability.Event{
			Type:        observability.EventCommandRejected,
			Severity:    observability.SeverityWarning,
			Zone:        cmd.Path.Zone,
			ResourceID:  cmd.ID,
			Description: fmt.Sprintf("Agent %s rejected command: no free execution slot", cmd.Path),
		})
	}

	if status.ReleasesAgent() && !released && holdsAgent(cmd) {
		if err := r.registry.ReportStatus(cmd.Path, api.AgentStatusIdle); err != nil && !api.IsNotFound(err) {
			return nil, fmt.Errorf("failed to release agent %s: %w", cmd.Path, err)
		}
	}

	return cmd, nil
}

// holdsAgent reports whether sending cmd marked its agent BUSY on its own
// behalf. Session commands leave the agent to the session lifecycle.
func holdsAgent(cmd *api.Command) bool {
	return cmd.Type == api.CommandRunShell && cmd.SessionID == ""
}

// IsTimeout reports whether cmd has outlived the command timeout
func (r *Router) IsTimeout(cmd *api.Command) bool {
	return r.now().Sub(cmd.CreatedAt) >= r.config.CommandTimeout
}

// CheckTimeouts marks every SENT or RUNNING command older than the
// command timeout as TIMEOUT_KILL and returns how many were marked.
// A timed-out RUN_SHELL first gets a KILL sent to its agent, so the
// agent is not offered new work while the process still runs.
func (r *Router) CheckTimeouts(ctx context.Context) (int, error) {
	inFlight, err := r.store.List(ctx, CommandFilter{
		Statuses: []api.CommandStatus{api.CommandStatusSent, api.CommandStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight commands: %w", err)
	}

	marked := 0
	for _, cmd := range inFlight {
		if !r.IsTimeout(cmd) {
			continue
		}
		age := r.now().Sub(cmd.CreatedAt)
		if cmd.Type == api.CommandRunShell {
			r.killAgent(ctx, cmd)
		}
		result := &api.CommandResult{ErrorMessage: fmt.Sprintf("command timed out after %s", age.Round(time.Second))}
		if cmd.Result != nil {
			kept := *cmd.Result
			kept.ErrorMessage = result.ErrorMessage
			result = &kept
		}

		updated, err := r.transition(ctx, cmd.ID, api.CommandStatusTimeoutKill, result)
		if err != nil {
			r.logger.Error("Failed to mark command timed out",
				zap.String("command_id", cmd.ID),
				zap.Error(err),
			)
			continue
		}
		if updated.Status != api.CommandStatusTimeoutKill {
			continue
		}

		marked++
		observability.CommandTimeoutsTotal.WithLabelValues(cmd.Path.Zone).Inc()
		r.events.RecordEvent(ctx, observability.NewCommandTimeoutEvent(cmd.Path.Zone, cmd.ID, age))
		r.logger.Warn("Command timed out",
			zap.String("command_id", cmd.ID),
			zap.String("agent", cmd.Path.String()),
			zap.Duration("age", age),
		)
	}
	return marked, nil
}

// killAgent sends KILL to the agent running cmd. Cancellation is per
// agent, so every process of that agent dies with it.
func (r *Router) killAgent(ctx context.Context, cmd *api.Command) {
	kill, err := r.Send(ctx, &api.CommandRequest{Path: cmd.Path, Type: api.CommandKill})
	if err != nil {
		r.logger.Warn("Failed to kill agent of timed-out command",
			zap.String("command_id", cmd.ID),
			zap.String("agent", cmd.Path.String()),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("Killing agent of timed-out command",
		zap.String("command_id", cmd.ID),
		zap.String("kill_id", kill.ID),
		zap.String("agent", cmd.Path.String()),
	)
}

// Find returns the command record for id
func (r *Router) Find(ctx context.Context, id string) (*api.Command, error) {
	return r.store.Get(ctx, id)
}

// ListByAgent returns the commands addressed to path
func (r *Router) ListByAgent(ctx context.Context, path api.AgentPath) ([]*api.Command, error) {
	return r.store.List(ctx, CommandFilter{Zone: path.Zone, Agent: path.Name})
}

// ListByStatus returns the commands in any of statuses
func (r *Router) ListByStatus(ctx context.Context, statuses ...api.CommandStatus) ([]*api.Command, error) {
	return r.store.List(ctx, CommandFilter{Statuses: statuses})
}

// ListByZone returns the commands addressed to agents of zone
func (r *Router) ListByZone(ctx context.Context, zone string) ([]*api.Command, error) {
	return r.store.List(ctx, CommandFilter{Zone: zone})
}

// SaveLog stores the full log of a command as a gzip file under the log
// directory, records its path on the command and hands the path to the
// log queue. A full queue drops the hand-off, not the file.
func (r *Router) SaveLog(ctx context.Context, id string, log io.Reader) (string, error) {
	cmd, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.config.LogDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(r.config.LogDir, fmt.Sprintf("%s.%d.log.gz", id, len(cmd.LogPaths)))
	if err := writeGzip(path, log); err != nil {
		return "", err
	}

	r.mu.Lock()
	cmd, err = r.store.Get(ctx, id)
	if err == nil {
		cmd.LogPaths = append(cmd.LogPaths, path)
		cmd.UpdatedAt = r.now()
		err = r.store.Save(ctx, cmd)
	}
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to record log path: %w", err)
	}

	select {
	case r.logQueue <- path:
	default:
		observability.CommandLogHandoffDroppedTotal.Inc()
		r.logger.Warn("Log queue full, dropping hand-off",
			zap.String("command_id", id),
			zap.String("path", path),
		)
	}
	return path, nil
}

func writeGzip(path string, src io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if _, err := io.Copy(zw, src); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush log file: %w", err)
	}
	return f.Sync()
}

// LogQueue yields the paths of saved logs
func (r *Router) LogQueue() <-chan string {
	return r.logQueue
}
