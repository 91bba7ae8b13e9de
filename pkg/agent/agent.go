package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/transport"
	"go.uber.org/zap"
)

// DefaultShutdownCommand powers the host off. The sudo password is fed
// on stdin.
const DefaultShutdownCommand = "sudo -S shutdown -h now"

// DefaultProcessTimeout matches the coordinator's default command timeout
const DefaultProcessTimeout = 300 * time.Second

// Config represents the agent configuration
type Config struct {
	Zone string
	Name string

	// ConcurrentProcNum is the number of commands run at once
	ConcurrentProcNum int
	Shell             string
	WorkDir           string
	// ProcessTimeout kills a single process that runs longer. It should
	// not exceed the coordinator's command timeout.
	ProcessTimeout time.Duration

	// LogURL is the NATS URL live output is shipped to
	LogURL      string
	MaxLogBytes int

	// SudoPassword is used by SHUTDOWN when the command carries none
	SudoPassword    string
	ShutdownCommand string

	Logger *zap.Logger
}

// Validate validates the agent configuration
func (c *Config) Validate() error {
	if c.Zone == "" {
		return fmt.Errorf("zone is required")
	}
	if c.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if c.ConcurrentProcNum <= 0 {
		c.ConcurrentProcNum = 1
	}
	if c.ShutdownCommand == "" {
		c.ShutdownCommand = DefaultShutdownCommand
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = DefaultProcessTimeout
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Agent receives commands on its inbox and runs them
type Agent struct {
	config *Config
	path   api.AgentPath
	logger *zap.Logger

	transport transport.Agent
	executor  *Executor
	pool      *Pool
	sub       transport.Subscription

	mu      sync.RWMutex
	session string

	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a new agent instance
func New(config *Config, tr transport.Agent) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	path := api.NewAgentPath(config.Zone, config.Name)
	logger := config.Logger.With(zap.String("zone", path.Zone), zap.String("agent", path.Name))

	executor, err := NewExecutor(ExecutorConfig{
		Shell:          config.Shell,
		WorkDir:        config.WorkDir,
		ProcessTimeout: config.ProcessTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	shipper, err := NewLogShipper(LogShipperConfig{URL: config.LogURL, MaxLogBytes: config.MaxLogBytes}, logger)
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(PoolConfig{ConcurrentProcNum: config.ConcurrentProcNum}, executor, shipper, tr, tr, logger)
	if err != nil {
		return nil, err
	}

	return &Agent{
		config:    config,
		path:      path,
		logger:    logger,
		transport: tr,
		executor:  executor,
		pool:      pool,
		stopped:   make(chan struct{}),
	}, nil
}

// Path returns the agent's address
func (a *Agent) Path() api.AgentPath {
	return a.path
}

// Pool returns the execution pool
func (a *Agent) Pool() *Pool {
	return a.pool
}

// Session returns the session the agent is bound to, if any
func (a *Agent) Session() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// Done is closed once a STOP command has been handled
func (a *Agent) Done() <-chan struct{} {
	return a.stopped
}

// Start subscribes to the agent's inbox
func (a *Agent) Start(ctx context.Context) error {
	sub, err := a.transport.SubscribeInbox(a.path, a.Handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	a.sub = sub
	a.logger.Info("Agent started",
		zap.Int("slots", a.config.ConcurrentProcNum),
		zap.String("inbox", transport.InboxSubject(a.path)),
	)
	return nil
}

// Stop unsubscribes and kills running processes
func (a *Agent) Stop() error {
	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			a.logger.Warn("Failed to unsubscribe from inbox", zap.Error(err))
		}
	}
	a.pool.Close()
	a.logger.Info("Agent stopped")
	return nil
}

// Handle accepts one command. It returns once the command has been
// handed off; progress is reported asynchronously.
func (a *Agent) Handle(ctx context.Context, cmd *api.Command) error {
	if cmd.Path != a.path {
		return fmt.Errorf("command %s addressed to %s, not %s", cmd.ID, cmd.Path, a.path)
	}

	a.logger.Debug("Received command",
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmd.Type)),
	)

	switch cmd.Type {
	case api.CommandRunShell:
		a.pool.Execute(cmd)
	case api.CommandKill:
		a.pool.Control("kill", func() {
			a.pool.Kill()
			a.acknowledge(context.Background(), cmd)
		})
	case api.CommandStop:
		a.pool.Control("stop", a.stop)
	case api.CommandShutdown:
		password := cmd.Payload
		a.pool.Control("shutdown", func() { a.Shutdown(password) })
	case api.CommandCreateSession:
		a.setSession(cmd.SessionID)
		a.acknowledge(ctx, cmd)
	case api.CommandDeleteSession:
		a.setSession("")
		a.acknowledge(ctx, cmd)
	default:
		return fmt.Errorf("unknown command type: %q", cmd.Type)
	}
	return nil
}

func (a *Agent) setSession(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = id
}

// acknowledge reports a bookkeeping command as executed
func (a *Agent) acknowledge(ctx context.Context, cmd *api.Command) {
	now := time.Now()
	err := a.transport.Report(ctx, &api.CommandReport{
		CommandID: cmd.ID,
		Path:      a.path,
		Status:    api.CommandStatusExecuted,
		Result: &api.CommandResult{
			ExitValue:    api.IntPtr(0),
			StartTime:    now,
			ExecutedTime: now,
			FinishTime:   now,
		},
	})
	if err != nil {
		a.logger.Error("Failed to report command status", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

func (a *Agent) stop() {
	a.pool.Kill()
	a.stopOnce.Do(func() {
		a.logger.Info("Stop requested")
		close(a.stopped)
	})
}

// Shutdown kills running processes and powers the host off. The sudo
// password comes from the command or, failing that, the agent config.
func (a *Agent) Shutdown(password string) {
	a.pool.Kill()

	if password == "" {
		password = a.config.SudoPassword
	}
	if password == "" {
		a.logger.Info("Shutdown skipped, no sudo password available")
		return
	}

	a.logger.Info("Shutting down host")
	result := a.executor.Run(context.Background(), ProcessSpec{
		Script: a.config.ShutdownCommand,
		Stdin:  password + "\n",
	}, nil, nil)
	if result.ErrorMessage != "" || result.ExitValue == nil || *result.ExitValue != 0 {
		a.logger.Error("Shutdown command failed",
			zap.Intp("exit_value", result.ExitValue),
			zap.String("error", result.ErrorMessage),
		)
	}
}
