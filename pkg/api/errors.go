package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an agent or command is unknown
	ErrNotFound = errors.New("not found")

	// ErrNotAvailable is returned when no idle agent can take a command
	ErrNotAvailable = errors.New("not available")
)

// AgentNotFound wraps ErrNotFound for an agent path
func AgentNotFound(path AgentPath) error {
	return fmt.Errorf("agent %s: %w", path, ErrNotFound)
}

// CommandNotFound wraps ErrNotFound for a command id
func CommandNotFound(id string) error {
	return fmt.Errorf("command %s: %w", id, ErrNotFound)
}

// SessionNotFound wraps ErrNotFound for a session id
func SessionNotFound(id string) error {
	return fmt.Errorf("session %s: %w", id, ErrNotFound)
}

// AgentNotAvailable wraps ErrNotAvailable with the reason
func AgentNotAvailable(path AgentPath, reason string) error {
	return fmt.Errorf("agent %s %s: %w", path, reason, ErrNotAvailable)
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNotAvailable reports whether err wraps ErrNotAvailable
func IsNotAvailable(err error) bool {
	return errors.Is(err, ErrNotAvailable)
}
