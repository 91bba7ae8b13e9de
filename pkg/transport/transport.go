// Package transport carries commands from the coordinator to agent
// inboxes and carries status reports, live log frames and finished logs
// back. NATS backs it in production; Memory backs it in tests.
package transport

import (
	"context"
	"io"
	"strings"

	"github.com/fleetd/fleetd/pkg/api"
)

// Subject names
const (
	inboxPrefix   = "fleet.agent."
	ReportSubject = "fleet.report"
	logPrefix     = "fleet.logs."
	UploadSubject = "fleet.logupload"
)

// InboxSubject is the subject an agent receives its commands on
func InboxSubject(path api.AgentPath) string {
	return inboxPrefix + token(path.Zone) + "." + token(path.Name)
}

// LogSubject is the subject live log frames of a zone are published on.
// An empty zone returns the wildcard matching every zone.
func LogSubject(zone string) string {
	if zone == "" {
		return logPrefix + "*"
	}
	return logPrefix + token(zone)
}

// token keeps subject tokens free of separators and wildcards
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// CommandHandler accepts a command delivered to an agent inbox. A
// returned error is sent back to the deliverer.
type CommandHandler func(ctx context.Context, cmd *api.Command) error

// ReportHandler receives a status report from an agent
type ReportHandler func(ctx context.Context, report *api.CommandReport)

// LogHandler receives one live log line
type LogHandler func(line api.LogLine)

// UploadHandler stores the full log of a finished command
type UploadHandler func(ctx context.Context, commandID string, r io.Reader) error

// Subscription is an active subscription
type Subscription interface {
	Unsubscribe() error
}

// Coordinator is the coordinator's side of the transport
type Coordinator interface {
	Deliver(ctx context.Context, cmd *api.Command) error
	SubscribeReports(handler ReportHandler) (Subscription, error)
	SubscribeUploads(handler UploadHandler) (Subscription, error)
}

// Agent is the agent's side of the transport
type Agent interface {
	SubscribeInbox(path api.AgentPath, handler CommandHandler) (Subscription, error)
	Report(ctx context.Context, report *api.CommandReport) error
	UploadLog(ctx context.Context, commandID string, data []byte) error
}
