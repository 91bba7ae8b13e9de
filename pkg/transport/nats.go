package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// CommandIDHeader names the command a log upload belongs to
const CommandIDHeader = "Fleet-Command-Id"

// ErrNoAgent is returned when no agent listens on the target inbox
var ErrNoAgent = errors.New("no agent listening on inbox")

// NATSConfig configures the NATS connection
type NATSConfig struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// Validate fills defaults
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "fleetd"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	return nil
}

// Connect dials NATS with the configured options
func Connect(config NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	conn, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.Timeout(config.ConnectTimeout),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.URL, err)
	}
	return conn, nil
}

type reply struct {
	Error string `json:"error,omitempty"`
}

// NATS implements both sides of the transport over one connection.
// Deliveries and uploads are request/reply so a missing listener is an
// error rather than a silently dropped message.
type NATS struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATS wraps an established connection
func NewNATS(conn *nats.Conn, requestTimeout time.Duration, logger *zap.Logger) *NATS {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &NATS{conn: conn, timeout: requestTimeout, logger: logger}
}

// Conn returns the underlying connection
func (n *NATS) Conn() *nats.Conn {
	return n.conn
}

func (n *NATS) request(ctx context.Context, msg *nats.Msg) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	resp, err := n.conn.RequestMsgWithContext(ctx, msg)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%s: %w", msg.Subject, ErrNoAgent)
	}
	if err != nil {
		return fmt.Errorf("request on %s failed: %w", msg.Subject, err)
	}

	var r reply
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return fmt.Errorf("malformed reply on %s: %w", msg.Subject, err)
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

func respond(msg *nats.Msg, err error) {
	var r reply
	if err != nil {
		r.Error = err.Error()
	}
	data, _ := json.Marshal(r)
	_ = msg.Respond(data)
}

// Deliver sends cmd to its agent's inbox and waits for the agent to accept it
func (n *NATS) Deliver(ctx context.Context, cmd *api.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	return n.request(ctx, &nats.Msg{Subject: InboxSubject(cmd.Path), Data: data})
}

// SubscribeInbox receives the commands addressed to path
func (n *NATS) SubscribeInbox(path api.AgentPath, handler CommandHandler) (Subscription, error) {
	sub, err := n.conn.Subscribe(InboxSubject(path), func(msg *nats.Msg) {
		var cmd api.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			n.logger.Warn("Invalid command on inbox", zap.String("subject", msg.Subject), zap.Error(err))
			respond(msg, fmt.Errorf("invalid command: %w", err))
			return
		}
		respond(msg, handler(context.Background(), &cmd))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	return sub, n.conn.Flush()
}

// Report publishes a status report
func (n *NATS) Report(_ context.Context, report *api.CommandReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := n.conn.Publish(ReportSubject, data); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}
	return nil
}

// SubscribeReports receives every agent's status reports
func (n *NATS) SubscribeReports(handler ReportHandler) (Subscription, error) {
	sub, err := n.conn.Subscribe(ReportSubject, func(msg *nats.Msg) {
		var report api.CommandReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			n.logger.Warn("Invalid status report", zap.Error(err))
			return
		}
		handler(context.Background(), &report)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to reports: %w", err)
	}
	return sub, n.conn.Flush()
}

// UploadLog sends the full log of a finished command to the coordinator
func (n *NATS) UploadLog(ctx context.Context, commandID string, data []byte) error {
	msg := nats.NewMsg(UploadSubject)
	msg.Header.Set(CommandIDHeader, commandID)
	msg.Data = data
	return n.request(ctx, msg)
}

// SubscribeUploads receives finished logs. Uploads are queue-grouped so
// one coordinator stores each log.
func (n *NATS) SubscribeUploads(handler UploadHandler) (Subscription, error) {
	sub, err := n.conn.QueueSubscribe(UploadSubject, "coordinator", func(msg *nats.Msg) {
		id := msg.Header.Get(CommandIDHeader)
		if id == "" {
			respond(msg, fmt.Errorf("missing %s header", CommandIDHeader))
			return
		}
		respond(msg, handler(context.Background(), id, bytes.NewReader(msg.Data)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to log uploads: %w", err)
	}
	return sub, n.conn.Flush()
}

// SubscribeLogs receives live log frames of zone, or of every zone when
// zone is empty.
func (n *NATS) SubscribeLogs(zone string, handler LogHandler) (Subscription, error) {
	sub, err := n.conn.Subscribe(LogSubject(zone), func(msg *nats.Msg) {
		line, err := api.ParseFrame(string(msg.Data))
		if err != nil {
			n.logger.Debug("Dropping malformed log frame", zap.Error(err))
			return
		}
		handler(line)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to logs: %w", err)
	}
	return sub, n.conn.Flush()
}

// Close drains the connection
func (n *NATS) Close() error {
	return n.conn.Drain()
}
