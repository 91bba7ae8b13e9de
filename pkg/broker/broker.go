// Package broker carries queued command requests between producers and
// the coordinator's queue consumer. Messages have a numeric priority and
// must be acknowledged once handled.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MinPriority is the lowest priority a message can carry
	MinPriority = 0
	// MaxPublishPriority is the highest priority a producer may choose.
	// Levels above it are reserved for re-published messages.
	MaxPublishPriority = 10
	// MaxPriority is the highest priority a message can carry
	MaxPriority = 20
	// RetryHeadroom is how far a re-published message can climb above
	// any producer priority
	RetryHeadroom = MaxPriority - MaxPublishPriority
	// DefaultPriority is used by producers that do not choose one
	DefaultPriority = 1
)

// ErrClosed is returned by a broker after Close
var ErrClosed = errors.New("broker closed")

// Message is one queued payload
type Message struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	// Attempt counts how many times the payload was re-published
	Attempt int    `json:"attempt"`
	Body    []byte `json:"body"`

	// raw is the encoded form as stored by the broker, used for ack
	raw string
}

// Broker is a priority queue with explicit acknowledgement. Higher
// priorities are received first; equal priorities are FIFO.
type Broker interface {
	Publish(ctx context.Context, msg *Message) error
	// Receive blocks until a message is available or ctx is done
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Close() error
}

// ValidatePublishPriority checks a producer-chosen priority
func ValidatePublishPriority(p int) error {
	if p < MinPriority || p > MaxPublishPriority {
		return fmt.Errorf("priority %d out of range [%d, %d]", p, MinPriority, MaxPublishPriority)
	}
	return nil
}

// ClampPriority bounds p to [MinPriority, MaxPriority]
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

func encode(msg *Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.raw = raw
	return &msg, nil
}
