package agent

import (
	"bytes"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/fleetd/fleetd/pkg/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// LogShipperConfig configures live log shipping
type LogShipperConfig struct {
	// URL of the log sink. Empty disables live shipping; output is still
	// kept for the upload after the command finishes.
	URL            string
	ConnectTimeout time.Duration
	// MaxLogBytes caps the output kept for upload. Later output is
	// dropped and a truncation marker is appended.
	MaxLogBytes int
}

// Validate fills defaults
func (c *LogShipperConfig) Validate() error {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = 512 * 1024
	}
	return nil
}

// LogShipper opens one log stream per executed command
type LogShipper struct {
	config LogShipperConfig
	logger *zap.Logger
}

// NewLogShipper creates a log shipper
func NewLogShipper(config LogShipperConfig, logger *zap.Logger) (*LogShipper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &LogShipper{config: config, logger: logger}, nil
}

// Open connects a stream for cmd. A sink that cannot be reached within
// the connect timeout disables live shipping for this command only.
func (s *LogShipper) Open(cmd *api.Command) *CommandLog {
	l := &CommandLog{
		cmd:     cmd,
		subject: transport.LogSubject(cmd.Path.Zone),
		max:     s.config.MaxLogBytes,
		logger:  observability.WithFields(s.logger, zap.String("command_id", cmd.ID)),
	}
	if s.config.URL == "" {
		return l
	}

	conn, err := nats.Connect(s.config.URL,
		nats.Name("fleetd-log-"+cmd.ID),
		nats.Timeout(s.config.ConnectTimeout),
		nats.NoReconnect(),
	)
	if err != nil {
		l.logger.Warn("Log sink unreachable, live logging disabled",
			zap.String("url", s.config.URL),
			zap.Error(err),
		)
		return l
	}
	l.conn = conn
	return l
}

// CommandLog ships the output of one command and keeps it for upload
type CommandLog struct {
	cmd     *api.Command
	subject string
	conn    *nats.Conn
	logger  *zap.Logger

	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

// Enabled reports whether lines are shipped live
func (l *CommandLog) Enabled() bool {
	return l.conn != nil
}

// OnLog frames and publishes one line
func (l *CommandLog) OnLog(line string) {
	l.keep(line)

	if l.conn == nil {
		observability.AgentLogLinesTotal.WithLabelValues("disabled").Inc()
		return
	}
	frame := api.LogLine{Path: l.cmd.Path, CommandID: l.cmd.ID, Line: line}.Frame()
	if err := l.conn.Publish(l.subject, []byte(frame)); err != nil {
		observability.AgentLogLinesTotal.WithLabelValues("dropped").Inc()
		return
	}
	observability.AgentLogLinesTotal.WithLabelValues("shipped").Inc()
}

func (l *CommandLog) keep(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.truncated {
		return
	}
	if l.buf.Len()+len(line)+1 > l.max {
		l.truncated = true
		l.buf.WriteString("[output truncated]\n")
		return
	}
	l.buf.WriteString(line)
	l.buf.WriteByte('\n')
}

// OnFinish flushes and closes the sink connection
func (l *CommandLog) OnFinish() {
	if l.conn == nil {
		return
	}
	if err := l.conn.FlushTimeout(time.Second); err != nil {
		l.logger.Debug("Failed to flush log sink", zap.Error(err))
	}
	l.conn.Close()
}

// Bytes returns the kept output
func (l *CommandLog) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.buf.Bytes()...)
}
