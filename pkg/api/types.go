package api

import (
	"fmt"
	"strings"
	"time"
)

// AgentPath identifies an agent within a zone. An empty Name means
// "any agent in the zone".
type AgentPath struct {
	Zone string `json:"zone"`
	Name string `json:"name"`
}

// NewAgentPath returns the path for an agent
func NewAgentPath(zone, name string) AgentPath {
	return AgentPath{Zone: zone, Name: name}
}

// IsAny reports whether the path names a zone without a specific agent
func (p AgentPath) IsAny() bool {
	return p.Name == ""
}

// String renders the path as zone/name
func (p AgentPath) String() string {
	return p.Zone + "/" + p.Name
}

// ParseAgentPath parses the zone/name form produced by String
func ParseAgentPath(s string) (AgentPath, error) {
	zone, name, ok := strings.Cut(s, "/")
	if !ok || zone == "" {
		return AgentPath{}, fmt.Errorf("invalid agent path %q: expected zone/name", s)
	}
	return AgentPath{Zone: zone, Name: name}, nil
}

// AgentStatus represents the scheduling state of an agent
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "IDLE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// Agent is the coordinator's view of a worker process
type Agent struct {
	Path             AgentPath   `json:"path"`
	Status           AgentStatus `json:"status"`
	SessionID        string      `json:"session_id,omitempty"`
	SessionStartedAt *time.Time  `json:"session_started_at,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// HasSession reports whether the agent is bound to a session
func (a *Agent) HasSession() bool {
	return a.SessionID != ""
}

// Clone returns a copy that shares no mutable state with a
func (a *Agent) Clone() *Agent {
	c := *a
	if a.SessionStartedAt != nil {
		t := *a.SessionStartedAt
		c.SessionStartedAt = &t
	}
	return &c
}

// CommandType is the closed set of commands an agent understands
type CommandType string

const (
	CommandRunShell      CommandType = "RUN_SHELL"
	CommandCreateSession CommandType = "CREATE_SESSION"
	CommandDeleteSession CommandType = "DELETE_SESSION"
	CommandKill          CommandType = "KILL"
	CommandStop          CommandType = "STOP"
	CommandShutdown      CommandType = "SHUTDOWN"
)

// Valid reports whether t is a known command type
func (t CommandType) Valid() bool {
	switch t {
	case CommandRunShell, CommandCreateSession, CommandDeleteSession,
		CommandKill, CommandStop, CommandShutdown:
		return true
	}
	return false
}

// IsControl reports whether the command may target a busy or
// session-bound agent.
func (t CommandType) IsControl() bool {
	switch t {
	case CommandKill, CommandStop, CommandShutdown, CommandDeleteSession:
		return true
	}
	return false
}

// IsProcessControl reports whether the agent handles the command on its
// control pool rather than an execution slot.
func (t CommandType) IsProcessControl() bool {
	switch t {
	case CommandKill, CommandStop, CommandShutdown:
		return true
	}
	return false
}

// CommandStatus is the lifecycle state of a command
type CommandStatus string

const (
	CommandStatusPending     CommandStatus = "PENDING"
	CommandStatusSent        CommandStatus = "SENT"
	CommandStatusRunning     CommandStatus = "RUNNING"
	CommandStatusExecuted    CommandStatus = "EXECUTED"
	CommandStatusLogged      CommandStatus = "LOGGED"
	CommandStatusException   CommandStatus = "EXCEPTION"
	CommandStatusRejected    CommandStatus = "REJECTED"
	CommandStatusTimeoutKill CommandStatus = "TIMEOUT_KILL"
)

var statusRank = map[CommandStatus]int{
	CommandStatusPending:     0,
	CommandStatusSent:        1,
	CommandStatusRunning:     2,
	CommandStatusExecuted:    3,
	CommandStatusLogged:      4,
	CommandStatusException:   4,
	CommandStatusRejected:    4,
	CommandStatusTimeoutKill: 4,
}

// Valid reports whether s is a known status
func (s CommandStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether no further transition is accepted from s
func (s CommandStatus) IsTerminal() bool {
	return statusRank[s] == 4
}

// ReleasesAgent reports whether reaching s frees the executing agent.
// A rejected command never ran, so its agent is free as well.
func (s CommandStatus) ReleasesAgent() bool {
	return s == CommandStatusExecuted || s.IsTerminal()
}

// CanTransition reports whether a command in status s may move to next.
// Transitions only move forward; the first terminal status wins.
func (s CommandStatus) CanTransition(next CommandStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// ExitValueRejected marks a result produced because no execution slot was free
const ExitValueRejected = -100

// CommandResult is the outcome of running a command on an agent
type CommandResult struct {
	Pid          int           `json:"pid"`
	ExitValue    *int          `json:"exit_value,omitempty"`
	StartTime    time.Time     `json:"start_time,omitempty"`
	ExecutedTime time.Time     `json:"executed_time,omitempty"`
	FinishTime   time.Time     `json:"finish_time,omitempty"`
	Duration     time.Duration `json:"duration"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// IntPtr is a helper for optional exit values
func IntPtr(v int) *int {
	return &v
}

// IsRejected reports whether the result carries the capacity sentinel
func (r *CommandResult) IsRejected() bool {
	return r != nil && r.ExitValue != nil && *r.ExitValue == ExitValueRejected
}

// NewRejectedResult builds the result reported when every slot is busy
func NewRejectedResult(now time.Time) *CommandResult {
	return &CommandResult{
		ExitValue:    IntPtr(ExitValueRejected),
		StartTime:    now,
		ExecutedTime: now,
		FinishTime:   now,
	}
}

// Command is a unit of work addressed to an agent
type Command struct {
	ID        string         `json:"id"`
	Path      AgentPath      `json:"path"`
	Type      CommandType    `json:"type"`
	Payload   string         `json:"payload,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Status    CommandStatus  `json:"status"`
	Result    *CommandResult `json:"result,omitempty"`
	LogPaths  []string       `json:"log_paths,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsSessionScoped reports whether the command runs inside an agent session
func (c *Command) IsSessionScoped() bool {
	return c.SessionID != "" || c.Type == CommandCreateSession
}

// Clone returns a deep copy of c
func (c *Command) Clone() *Command {
	cp := *c
	if c.Result != nil {
		r := *c.Result
		if c.Result.ExitValue != nil {
			r.ExitValue = IntPtr(*c.Result.ExitValue)
		}
		cp.Result = &r
	}
	if c.LogPaths != nil {
		cp.LogPaths = append([]string(nil), c.LogPaths...)
	}
	return &cp
}

// CommandRequest is what a client submits for dispatch
type CommandRequest struct {
	Path      AgentPath   `json:"path"`
	Type      CommandType `json:"type"`
	Payload   string      `json:"payload,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// Validate checks the request is addressable
func (r *CommandRequest) Validate() error {
	if r.Path.Zone == "" {
		return fmt.Errorf("zone is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown command type: %q", r.Type)
	}
	if r.Type == CommandRunShell && r.Payload == "" {
		return fmt.Errorf("payload is required for %s", r.Type)
	}
	return nil
}

// CommandReport is the status callback an agent sends for a command
type CommandReport struct {
	CommandID string         `json:"command_id"`
	Path      AgentPath      `json:"path"`
	Status    CommandStatus  `json:"status"`
	Result    *CommandResult `json:"result,omitempty"`
}

// LogLine is one framed line of command output
type LogLine struct {
	Path      AgentPath `json:"path"`
	CommandID string    `json:"command_id"`
	Line      string    `json:"line"`
}

// FrameSeparator separates the fields of a framed log line
const FrameSeparator = "#"

// Frame renders the line as zone#agent#commandId#line
func (l LogLine) Frame() string {
	return strings.Join([]string{l.Path.Zone, l.Path.Name, l.CommandID, l.Line}, FrameSeparator)
}

// ParseFrame is the inverse of Frame. The raw line may itself contain
// the separator.
func ParseFrame(frame string) (LogLine, error) {
	parts := strings.SplitN(frame, FrameSeparator, 4)
	if len(parts) != 4 {
		return LogLine{}, fmt.Errorf("malformed log frame: %q", frame)
	}
	return LogLine{
		Path:      AgentPath{Zone: parts[0], Name: parts[1]},
		CommandID: parts[2],
		Line:      parts[3],
	}, nil
}

// HostInfo describes the machine an agent runs on
type HostInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	CPUs          int     `json:"cpus"`
	MemoryTotal   uint64  `json:"memory_total"`
	LoadAverage   float64 `json:"load_average"`
}

// Registration is what an agent publishes to the coordination service
// while it is alive.
type Registration struct {
	Path         AgentPath `json:"path"`
	Version      string    `json:"version,omitempty"`
	Slots        int       `json:"slots"`
	Host         *HostInfo `json:"host,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}
