package agent

import (
	"context"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "fleetd/agent"

// Reporter sends command status reports to the coordinator
type Reporter interface {
	Report(ctx context.Context, report *api.CommandReport) error
}

// Uploader sends the full log of a finished command to the coordinator
type Uploader interface {
	UploadLog(ctx context.Context, commandID string, data []byte) error
}

// ProcEventType names a process lifecycle event
type ProcEventType string

const (
	ProcStarted   ProcEventType = "started"
	ProcExecuted  ProcEventType = "executed"
	ProcLogged    ProcEventType = "logged"
	ProcException ProcEventType = "exception"
	ProcRejected  ProcEventType = "rejected"
)

// ProcEvent is published to every Events subscriber
type ProcEvent struct {
	Type    ProcEventType
	Command *api.Command
	Result  *api.CommandResult
}

// PoolConfig configures the execution slots
type PoolConfig struct {
	// ConcurrentProcNum is the number of execution slots
	ConcurrentProcNum int
	// ControlPoolSize bounds concurrently running control operations
	ControlPoolSize int
	// KillTimeout bounds the wait for killed processes to finish reporting
	KillTimeout time.Duration
}

// Validate fills defaults
func (c *PoolConfig) Validate() error {
	if c.ConcurrentProcNum <= 0 {
		c.ConcurrentProcNum = 1
	}
	if c.ControlPoolSize <= 0 {
		c.ControlPoolSize = 100
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 30 * time.Second
	}
	return nil
}

// generation is one incarnation of the execution slots. Kill cancels a
// generation and replaces it so new commands never wait on dying ones.
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup
}

func newGeneration(size int) *generation {
	ctx, cancel := context.WithCancel(context.Background())
	return &generation{ctx: ctx, cancel: cancel, slots: make(chan struct{}, size)}
}

// Pool runs RUN_SHELL commands on a fixed number of slots. A command
// arriving while every slot is busy is rejected at once with the
// capacity sentinel result and reported REJECTED.
type Pool struct {
	config   PoolConfig
	executor *Executor
	shipper  *LogShipper
	reporter Reporter
	uploader Uploader
	logger   *zap.Logger

	mu  sync.Mutex
	gen *generation

	control   chan struct{}
	controlWg sync.WaitGroup

	resultsMu sync.RWMutex
	running   map[string]*api.CommandResult
	finished  map[string]*api.CommandResult
	rejected  map[string]*api.CommandResult

	listenersMu sync.RWMutex
	listeners   []chan ProcEvent
}

// NewPool creates a pool. uploader may be nil.
func NewPool(config PoolConfig, executor *Executor, shipper *LogShipper, reporter Reporter, uploader Uploader, logger *zap.Logger) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		config:   config,
		executor: executor,
		shipper:  shipper,
		reporter: reporter,
		uploader: uploader,
		logger:   logger,
		gen:      newGeneration(config.ConcurrentProcNum),
		control:  make(chan struct{}, config.ControlPoolSize),
		running:  make(map[string]*api.CommandResult),
		finished: make(map[string]*api.CommandResult),
		rejected: make(map[string]*api.CommandResult),
	}, nil
}

// Execute hands cmd to a free slot. It never blocks: with no slot free
// the command is rejected and false is returned.
func (p *Pool) Execute(cmd *api.Command) bool {
	p.mu.Lock()
	gen := p.gen
	select {
	case gen.slots <- struct{}{}:
		gen.wg.Add(1)
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.reject(cmd)
		return false
	}

	observability.AgentSlotsBusy.Inc()
	go func() {
		defer func() {
			observability.AgentSlotsBusy.Dec()
			<-gen.slots
			gen.wg.Done()
		}()
		p.run(gen.ctx, cmd)
	}()
	return true
}

func (p *Pool) run(ctx context.Context, cmd *api.Command) {
	ctx, span := observability.StartSpan(ctx, tracerName, "agent.execute")
	observability.SetSpanAttributes(ctx,
		attribute.String("command.id", cmd.ID),
		attribute.String("agent.path", cmd.Path.String()),
	)
	defer observability.EndSpan(span, nil)

	log := p.shipper.Open(cmd)
	handler := &procHandler{pool: p, cmd: cmd, log: log}
	result := p.executor.Run(ctx, ProcessSpec{Script: cmd.Payload}, handler, log)

	observability.AgentCommandDurationSeconds.WithLabelValues(string(cmd.Type)).Observe(result.Duration.Seconds())
}

func (p *Pool) reject(cmd *api.Command) {
	result := api.NewRejectedResult(time.Now())

	p.resultsMu.Lock()
	p.rejected[cmd.ID] = result
	p.resultsMu.Unlock()

	observability.AgentCommandsRejectedTotal.Inc()
	p.logger.Warn("Rejected command, every execution slot is busy",
		zap.String("command_id", cmd.ID),
		zap.Int("slots", p.config.ConcurrentProcNum),
	)
	p.report(cmd, api.CommandStatusRejected, result)
	p.publish(ProcRejected, cmd, result)
}

// Control runs fn on the control pool, which is separate from the
// execution slots so KILL, STOP and SHUTDOWN reach a saturated agent.
func (p *Pool) Control(name string, fn func()) bool {
	select {
	case p.control <- struct{}{}:
	default:
		p.logger.Warn("Control pool saturated, dropping operation", zap.String("operation", name))
		return false
	}
	p.controlWg.Add(1)
	go func() {
		defer func() {
			<-p.control
			p.controlWg.Done()
		}()
		fn()
	}()
	return true
}

// Kill destroys every running process and replaces the execution slots.
// It waits up to KillTimeout for the killed commands to report.
func (p *Pool) Kill() {
	p.mu.Lock()
	old := p.gen
	p.gen = newGeneration(p.config.ConcurrentProcNum)
	p.mu.Unlock()

	p.resultsMu.RLock()
	for id, r := range p.running {
		p.logger.Info("Killing process", zap.String("command_id", id), zap.Int("pid", r.Pid))
	}
	p.resultsMu.RUnlock()

	old.cancel()

	done := make(chan struct{})
	go func() {
		old.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Execution slots terminated")
	case <-time.After(p.config.KillTimeout):
		p.logger.Error("Timed out waiting for killed processes", zap.Duration("timeout", p.config.KillTimeout))
	}
}

// Close kills running processes and waits for control operations
func (p *Pool) Close() {
	p.Kill()
	p.controlWg.Wait()
}

// Running returns the results of commands currently running
func (p *Pool) Running() map[string]*api.CommandResult {
	return p.snapshot(p.running)
}

// Finished returns the results of commands that completed
func (p *Pool) Finished() map[string]*api.CommandResult {
	return p.snapshot(p.finished)
}

// Rejected returns the results of commands rejected for capacity
func (p *Pool) Rejected() map[string]*api.CommandResult {
	return p.snapshot(p.rejected)
}

func (p *Pool) snapshot(m map[string]*api.CommandResult) map[string]*api.CommandResult {
	p.resultsMu.RLock()
	defer p.resultsMu.RUnlock()
	out := make(map[string]*api.CommandResult, len(m))
	for k, v := range m {
		out[k] = copyResult(v)
	}
	return out
}

// Events subscribes to process events. Events are dropped for a
// subscriber whose buffer is full.
func (p *Pool) Events(buffer int) <-chan ProcEvent {
	ch := make(chan ProcEvent, buffer)
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, ch)
	p.listenersMu.Unlock()
	return ch
}

func (p *Pool) publish(t ProcEventType, cmd *api.Command, result *api.CommandResult) {
	p.listenersMu.RLock()
	defer p.listenersMu.RUnlock()
	for _, ch := range p.listeners {
		select {
		case ch <- ProcEvent{Type: t, Command: cmd, Result: copyResult(result)}:
		default:
		}
	}
}

func (p *Pool) report(cmd *api.Command, status api.CommandStatus, result *api.CommandResult) {
	err := p.reporter.Report(context.Background(), &api.CommandReport{
		CommandID: cmd.ID,
		Path:      cmd.Path,
		Status:    status,
		Result:    result,
	})
	if err != nil {
		p.logger.Error("Failed to report command status",
			zap.String("command_id", cmd.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// procHandler reports the lifecycle of one pooled command
type procHandler struct {
	pool *Pool
	cmd  *api.Command
	log  *CommandLog
}

func (h *procHandler) OnStarted(result *api.CommandResult) {
	h.pool.resultsMu.Lock()
	h.pool.running[h.cmd.ID] = result
	h.pool.resultsMu.Unlock()

	h.pool.report(h.cmd, api.CommandStatusRunning, result)
	h.pool.publish(ProcStarted, h.cmd, result)
}

func (h *procHandler) OnExecuted(result *api.CommandResult) {
	h.pool.report(h.cmd, api.CommandStatusExecuted, result)
	h.pool.publish(ProcExecuted, h.cmd, result)
}

func (h *procHandler) OnLogged(result *api.CommandResult) {
	h.finish(result)

	if h.pool.uploader != nil {
		if err := h.pool.uploader.UploadLog(context.Background(), h.cmd.ID, h.log.Bytes()); err != nil {
			h.pool.logger.Warn("Failed to upload command log", zap.String("command_id", h.cmd.ID), zap.Error(err))
		}
	}
	h.pool.report(h.cmd, api.CommandStatusLogged, result)
	h.pool.publish(ProcLogged, h.cmd, result)
}

func (h *procHandler) OnException(result *api.CommandResult) {
	h.finish(result)
	h.pool.report(h.cmd, api.CommandStatusException, result)
	h.pool.publish(ProcException, h.cmd, result)
}

func (h *procHandler) finish(result *api.CommandResult) {
	h.pool.resultsMu.Lock()
	delete(h.pool.running, h.cmd.ID)
	h.pool.finished[h.cmd.ID] = result
	h.pool.resultsMu.Unlock()
}
