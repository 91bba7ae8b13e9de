package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process Broker for single-node use and tests
type MemoryBroker struct {
	mu       sync.Mutex
	queues   [MaxPriority + 1][]*Message
	inflight map[string]*Message
	notify   chan struct{}
	closed   bool
	done     chan struct{}
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		inflight: make(map[string]*Message),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Priority = ClampPriority(msg.Priority)
	cp := *msg
	b.queues[cp.Priority] = append(b.queues[cp.Priority], &cp)

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBroker) Receive(ctx context.Context) (*Message, error) {
	for {
		if msg, err := b.pop(); msg != nil || err != nil {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-b.notify:
		}
	}
}

func (b *MemoryBroker) pop() (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	for p := MaxPriority; p >= MinPriority; p-- {
		if len(b.queues[p]) == 0 {
			continue
		}
		msg := b.queues[p][0]
		b.queues[p] = b.queues[p][1:]
		b.inflight[msg.ID] = msg
		cp := *msg
		return &cp, nil
	}
	return nil, nil
}

func (b *MemoryBroker) Ack(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, msg.ID)
	return nil
}

// Len returns the number of queued, unreceived messages
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// InFlight returns the number of received but unacknowledged messages
func (b *MemoryBroker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
