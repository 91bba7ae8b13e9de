package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// Registry events
	EventAgentOnline  EventType = "agent.online"
	EventAgentOffline EventType = "agent.offline"

	// Command events
	EventCommandSent     EventType = "command.sent"
	EventCommandFailed   EventType = "command.dispatch_failed"
	EventCommandTimeout  EventType = "command.timeout"
	EventCommandDropped  EventType = "command.dropped"
	EventCommandRejected EventType = "command.rejected"

	// Fleet events
	EventInstancesRequested EventType = "fleet.instances_requested"
	EventAgentsShutdown     EventType = "fleet.agents_shutdown"
	EventSessionReaped      EventType = "fleet.session_reaped"

	// Coordinator events
	EventLeaderElected  EventType = "coordinator.leader_elected"
	EventLeaderStepDown EventType = "coordinator.leader_stepdown"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is an audit record of something the control plane did
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	RequestID string `json:"request_id,omitempty"`

	Zone       string `json:"zone,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// EventStream keeps a bounded in-memory window of events
type EventStream struct {
	logger   *zap.Logger
	events   []Event
	mu       sync.RWMutex
	maxSize  int
	watchers []chan Event
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	MaxSize int
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 10000
	}

	return &EventStream{
		logger:  logger,
		events:  make([]Event, 0, 64),
		maxSize: cfg.MaxSize,
	}
}

// RecordEvent appends an event, logs it and fans it out to watchers.
// A nil stream discards the event.
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	if es == nil {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	es.events = append(es.events, event)
	if len(es.events) > es.maxSize {
		es.events = es.events[len(es.events)-es.maxSize:]
	}

	es.logEvent(event)

	for _, ch := range es.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (es *EventStream) logEvent(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	}
	if event.Zone != "" {
		fields = append(fields, zap.String("zone", event.Zone))
	}
	if event.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", event.ResourceID))
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch event.Severity {
	case SeverityWarning:
		es.logger.Warn(event.Description, fields...)
	case SeverityError:
		es.logger.Error(event.Description, fields...)
	default:
		es.logger.Info(event.Description, fields...)
	}
}

// GetEvents returns recorded events matching filter, oldest first
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range es.events {
		if filter.Matches(event) {
			result = append(result, event)
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// Watch returns a channel receiving new events. Slow watchers miss events.
func (es *EventStream) Watch() chan Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan Event, 100)
	es.watchers = append(es.watchers, ch)
	return ch
}

// Unwatch removes and closes a watcher channel
func (es *EventStream) Unwatch(ch chan Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, watcher := range es.watchers {
		if watcher == ch {
			es.watchers = append(es.watchers[:i], es.watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Export renders the retained events as JSON
func (es *EventStream) Export() ([]byte, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return json.MarshalIndent(es.events, "", "  ")
}

// EventFilter defines filtering criteria for events
type EventFilter struct {
	Types      []EventType
	Zone       string
	ResourceID string
	StartTime  time.Time
	Limit      int
}

// Matches checks if an event matches the filter
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Zone != "" && event.Zone != f.Zone {
		return false
	}
	if f.ResourceID != "" && event.ResourceID != f.ResourceID {
		return false
	}
	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}
	return true
}

// NewAgentOfflineEvent records an agent leaving the live set
func NewAgentOfflineEvent(zone, name string) Event {
	return Event{
		Type:        EventAgentOffline,
		Severity:    SeverityWarning,
		Zone:        zone,
		ResourceID:  name,
		Description: fmt.Sprintf("Agent %s/%s went offline", zone, name),
	}
}

// NewAgentOnlineEvent records an agent joining the live set
func NewAgentOnlineEvent(zone, name string) Event {
	return Event{
		Type:        EventAgentOnline,
		Severity:    SeverityInfo,
		Zone:        zone,
		ResourceID:  name,
		Description: fmt.Sprintf("Agent %s/%s came online", zone, name),
	}
}

// NewCommandTimeoutEvent records a command killed by the timeout sweep
func NewCommandTimeoutEvent(zone, commandID string, age time.Duration) Event {
	return Event{
		Type:        EventCommandTimeout,
		Severity:    SeverityWarning,
		Zone:        zone,
		ResourceID:  commandID,
		Description: fmt.Sprintf("Command %s timed out after %s", commandID, age.Round(time.Second)),
		Metadata:    map[string]interface{}{"age_seconds": age.Seconds()},
	}
}

// NewCommandDroppedEvent records a queued request abandoned by the consumer
func NewCommandDroppedEvent(zone, reason string, attempts int) Event {
	return Event{
		Type:        EventCommandDropped,
		Severity:    SeverityError,
		Zone:        zone,
		Description: fmt.Sprintf("Queued command dropped after %d attempts", attempts),
		Metadata:    map[string]interface{}{"attempts": attempts},
		Error:       reason,
	}
}

// NewSizingEvent records a fleet sizing action
func NewSizingEvent(eventType EventType, zone string, count int) Event {
	return Event{
		Type:        eventType,
		Severity:    SeverityInfo,
		Zone:        zone,
		Description: fmt.Sprintf("Fleet sizing %s in zone %s: %d", eventType, zone, count),
		Metadata:    map[string]interface{}{"count": count},
	}
}

// NewSessionReapedEvent records a session closed by the reaper
func NewSessionReapedEvent(zone, name, sessionID string) Event {
	return Event{
		Type:        EventSessionReaped,
		Severity:    SeverityInfo,
		Zone:        zone,
		ResourceID:  name,
		Description: fmt.Sprintf("Session %s on %s/%s timed out", sessionID, zone, name),
		Metadata:    map[string]interface{}{"session_id": sessionID},
	}
}
