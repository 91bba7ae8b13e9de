package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/raft"
	"go.uber.org/zap"
)

const commandKeyPrefix = "command:"

// CommandStore persists command records
type CommandStore interface {
	Save(ctx context.Context, cmd *api.Command) error
	Get(ctx context.Context, id string) (*api.Command, error)
	List(ctx context.Context, filter CommandFilter) ([]*api.Command, error)
}

// CommandFilter narrows List. Zero fields match everything.
type CommandFilter struct {
	Zone     string
	Agent    string
	Statuses []api.CommandStatus
}

// Matches reports whether cmd passes the filter
func (f CommandFilter) Matches(cmd *api.Command) bool {
	if f.Zone != "" && cmd.Path.Zone != f.Zone {
		return false
	}
	if f.Agent != "" && cmd.Path.Name != f.Agent {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if cmd.Status == s {
			return true
		}
	}
	return false
}

func sortByCreation(cmds []*api.Command) {
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].ID < cmds[j].ID
		}
		return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
	})
}

// MemoryCommandStore keeps commands in a map. Used by single-node
// deployments without raft and by tests.
type MemoryCommandStore struct {
	mu       sync.RWMutex
	commands map[string]*api.Command
}

// NewMemoryCommandStore creates an empty store
func NewMemoryCommandStore() *MemoryCommandStore {
	return &MemoryCommandStore{commands: make(map[string]*api.Command)}
}

func (s *MemoryCommandStore) Save(ctx context.Context, cmd *api.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.ID] = cmd.Clone()
	return nil
}

func (s *MemoryCommandStore) Get(ctx context.Context, id string) (*api.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, api.CommandNotFound(id)
	}
	return cmd.Clone(), nil
}

func (s *MemoryCommandStore) List(ctx context.Context, filter CommandFilter) ([]*api.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*api.Command, 0)
	for _, cmd := range s.commands {
		if filter.Matches(cmd) {
			out = append(out, cmd.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

// RaftCommandStore writes every command through the raft log and serves
// reads from an in-memory cache rebuilt on startup.
type RaftCommandStore struct {
	store  *raft.Store
	logger *zap.Logger
	mu     sync.RWMutex
	cache  map[string]*api.Command
}

// NewRaftCommandStore creates the store and loads existing commands
func NewRaftCommandStore(store *raft.Store, logger *zap.Logger) (*RaftCommandStore, error) {
	if store == nil {
		return nil, fmt.Errorf("raft store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &RaftCommandStore{
		store:  store,
		logger: logger,
		cache:  make(map[string]*api.Command),
	}
	s.load()
	return s, nil
}

func commandKey(id string) string {
	return commandKeyPrefix + id
}

func (s *RaftCommandStore) load() {
	entries := s.store.List(commandKeyPrefix)

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for key, data := range entries {
		var cmd api.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Warn("Failed to unmarshal command",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		s.cache[cmd.ID] = &cmd
		loaded++
	}

	s.logger.Info("Loaded commands from raft",
		zap.Int("loaded", loaded),
		zap.Int("failed", len(entries)-loaded),
	)
}

// Save writes cmd to raft with a quorum write, then caches it
func (s *RaftCommandStore) Save(ctx context.Context, cmd *api.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := s.store.Set(commandKey(cmd.ID), data); err != nil {
		return fmt.Errorf("failed to write to raft: %w", err)
	}
	s.cache[cmd.ID] = cmd.Clone()

	s.logger.Debug("Command saved to raft",
		zap.String("command_id", cmd.ID),
		zap.String("status", string(cmd.Status)),
	)
	return nil
}

// Get returns the cached command, falling back to the replicated state
func (s *RaftCommandStore) Get(ctx context.Context, id string) (*api.Command, error) {
	s.mu.RLock()
	if cached, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return cached.Clone(), nil
	}
	s.mu.RUnlock()

	data, err := s.store.Get(commandKey(id))
	if err != nil {
		return nil, api.CommandNotFound(id)
	}

	var cmd api.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}

	s.mu.Lock()
	s.cache[id] = &cmd
	s.mu.Unlock()

	return cmd.Clone(), nil
}

func (s *RaftCommandStore) List(ctx context.Context, filter CommandFilter) ([]*api.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.Command, 0)
	for _, cmd := range s.cache {
		if filter.Matches(cmd) {
			out = append(out, cmd.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}
