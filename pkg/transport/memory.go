package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/fleetd/fleetd/pkg/api"
)

// Memory is an in-process transport
type Memory struct {
	mu       sync.RWMutex
	inboxes  map[api.AgentPath]CommandHandler
	reports  map[int]ReportHandler
	uploads  map[int]UploadHandler
	nextSubs int
}

// NewMemory creates an empty in-process transport
func NewMemory() *Memory {
	return &Memory{
		inboxes: make(map[api.AgentPath]CommandHandler),
		reports: make(map[int]ReportHandler),
		uploads: make(map[int]UploadHandler),
	}
}

type memorySub func()

func (s memorySub) Unsubscribe() error {
	s()
	return nil
}

// Deliver hands cmd to the inbox of its agent
func (m *Memory) Deliver(ctx context.Context, cmd *api.Command) error {
	m.mu.RLock()
	handler, ok := m.inboxes[cmd.Path]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", InboxSubject(cmd.Path), ErrNoAgent)
	}
	return handler(ctx, cmd.Clone())
}

// SubscribeInbox registers the inbox of path, replacing any previous one
func (m *Memory) SubscribeInbox(path api.AgentPath, handler CommandHandler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inboxes[path] = handler
	return memorySub(func() {
		m.mu.Lock()
		delete(m.inboxes, path)
		m.mu.Unlock()
	}), nil
}

// Report fans report out to every report subscriber
func (m *Memory) Report(ctx context.Context, report *api.CommandReport) error {
	m.mu.RLock()
	handlers := make([]ReportHandler, 0, len(m.reports))
	for _, h := range m.reports {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		r := *report
		h(ctx, &r)
	}
	return nil
}

// SubscribeReports registers a report subscriber
func (m *Memory) SubscribeReports(handler ReportHandler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubs
	m.nextSubs++
	m.reports[id] = handler
	return memorySub(func() {
		m.mu.Lock()
		delete(m.reports, id)
		m.mu.Unlock()
	}), nil
}

// UploadLog hands data to one upload subscriber
func (m *Memory) UploadLog(ctx context.Context, commandID string, data []byte) error {
	m.mu.RLock()
	var handler UploadHandler
	for _, h := range m.uploads {
		handler = h
		break
	}
	m.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("%s: no upload subscriber", UploadSubject)
	}
	return handler(ctx, commandID, bytes.NewReader(data))
}

// SubscribeUploads registers an upload subscriber
func (m *Memory) SubscribeUploads(handler UploadHandler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubs
	m.nextSubs++
	m.uploads[id] = handler
	return memorySub(func() {
		m.mu.Lock()
		delete(m.uploads, id)
		m.mu.Unlock()
	}), nil
}
