package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"go.uber.org/zap"
)

// ProcListener observes the lifecycle of one process. Each callback gets
// its own copy of the result.
type ProcListener interface {
	OnStarted(result *api.CommandResult)
	OnExecuted(result *api.CommandResult)
	OnLogged(result *api.CommandResult)
	OnException(result *api.CommandResult)
}

// LogListener receives the merged output of one process line by line
type LogListener interface {
	OnLog(line string)
	OnFinish()
}

type nopProc struct{}

func (nopProc) OnStarted(*api.CommandResult)   {}
func (nopProc) OnExecuted(*api.CommandResult)  {}
func (nopProc) OnLogged(*api.CommandResult)    {}
func (nopProc) OnException(*api.CommandResult) {}

type nopLog struct{}

func (nopLog) OnLog(string) {}
func (nopLog) OnFinish()    {}

// ExecutorConfig configures process execution
type ExecutorConfig struct {
	// Shell runs scripts as `Shell -c script`
	Shell string
	// LineBuffer bounds the lines read but not yet delivered
	LineBuffer int
	// OutputTimeout bounds the wait for output after the process exits.
	// Background children holding the output pipe are cut off after it.
	OutputTimeout time.Duration
	// ProcessTimeout kills a process that runs longer. Zero disables it.
	ProcessTimeout time.Duration
	WorkDir        string
	Env            []string
}

// Validate fills defaults
func (c *ExecutorConfig) Validate() error {
	if c.Shell == "" {
		c.Shell = "/bin/bash"
	}
	if c.LineBuffer <= 0 {
		c.LineBuffer = 1024
	}
	if c.OutputTimeout <= 0 {
		c.OutputTimeout = 10 * time.Second
	}
	return nil
}

// ProcessSpec describes one process to run
type ProcessSpec struct {
	Script string
	Stdin  string
}

// Executor runs shell scripts with merged stdout and stderr
type Executor struct {
	config ExecutorConfig
	logger *zap.Logger
}

// NewExecutor creates an executor
func NewExecutor(config ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Executor{config: config, logger: logger}, nil
}

// Run executes spec and blocks until the process has exited and its
// output has been delivered. It always returns a result; failures are
// recorded in ErrorMessage. Cancelling ctx kills the process.
func (e *Executor) Run(ctx context.Context, spec ProcessSpec, proc ProcListener, logs LogListener) *api.CommandResult {
	if proc == nil {
		proc = nopProc{}
	}
	if logs == nil {
		logs = nopLog{}
	}

	begin := time.Now()
	result := &api.CommandResult{Pid: -1}

	pr, pw, err := os.Pipe()
	if err != nil {
		return e.fail(result, begin, proc, logs, fmt.Errorf("failed to create output pipe: %w", err))
	}

	runCtx := ctx
	if e.config.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.ProcessTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.config.Shell, "-c", spec.Script)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Dir = e.config.WorkDir
	if len(e.config.Env) > 0 {
		cmd.Env = append(os.Environ(), e.config.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return e.fail(result, begin, proc, logs, fmt.Errorf("failed to start process: %w", err))
	}
	// The child holds its own copy of the write end.
	pw.Close()

	result.Pid = cmd.Process.Pid
	result.StartTime = time.Now()
	proc.OnStarted(copyResult(result))

	lines := make(chan string, e.config.LineBuffer)
	logged := make(chan struct{})
	go readLines(pr, lines)
	go func() {
		defer close(logged)
		for line := range lines {
			logs.OnLog(line)
		}
	}()

	waitErr := cmd.Wait()
	result.ExecutedTime = time.Now()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitValue = api.IntPtr(0)
	case errors.As(waitErr, &exitErr):
		result.ExitValue = api.IntPtr(exitErr.ExitCode())
		switch {
		case ctx.Err() != nil:
			result.ErrorMessage = fmt.Sprintf("process killed: %v", ctx.Err())
		case runCtx.Err() != nil:
			result.ErrorMessage = fmt.Sprintf("process timed out after %s", e.config.ProcessTimeout)
		}
	default:
		result.ErrorMessage = waitErr.Error()
	}
	proc.OnExecuted(copyResult(result))

	select {
	case <-logged:
	case <-time.After(e.config.OutputTimeout):
		e.logger.Warn("Output still open after process exit, closing",
			zap.Int("pid", result.Pid),
			zap.Duration("timeout", e.config.OutputTimeout),
		)
		pr.Close()
		<-logged
	}
	pr.Close()
	logs.OnFinish()

	result.FinishTime = time.Now()
	result.Duration = result.FinishTime.Sub(begin)
	proc.OnLogged(copyResult(result))
	return result
}

func (e *Executor) fail(result *api.CommandResult, begin time.Time, proc ProcListener, logs LogListener, err error) *api.CommandResult {
	e.logger.Error("Process execution failed", zap.Error(err))
	now := time.Now()
	result.ErrorMessage = err.Error()
	result.FinishTime = now
	result.Duration = now.Sub(begin)
	logs.OnFinish()
	proc.OnException(copyResult(result))
	return result
}

// readLines forwards r line by line without a line length limit
func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			lines <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			return
		}
	}
}

func copyResult(r *api.CommandResult) *api.CommandResult {
	c := *r
	if r.ExitValue != nil {
		c.ExitValue = api.IntPtr(*r.ExitValue)
	}
	return &c
}
