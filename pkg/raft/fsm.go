package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

const (
	opSet    = "set"
	opDelete = "delete"
)

// Command is a single mutation replicated through the raft log
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// BatchCommand applies several mutations in one log entry
type BatchCommand struct {
	Commands []*Command `json:"commands"`
}

// Entry is a stored value with bookkeeping
type Entry struct {
	Value     []byte    `json:"value"`
	Index     uint64    `json:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FSM is the replicated key-value state machine
type FSM struct {
	mu     sync.RWMutex
	data   map[string]*Entry
	logger *zap.Logger
}

// NewFSM creates an empty FSM
func NewFSM(logger *zap.Logger) *FSM {
	return &FSM{
		data:   make(map[string]*Entry),
		logger: logger,
	}
}

// Apply applies a raft log entry
func (f *FSM) Apply(l *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var batch BatchCommand
	if err := json.Unmarshal(l.Data, &batch); err == nil && len(batch.Commands) > 0 {
		var lastErr error
		for _, cmd := range batch.Commands {
			if err := f.apply(cmd, l.Index); err != nil {
				lastErr = err
			}
		}
		return lastErr
	}

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal command",
			zap.Error(err),
			zap.Uint64("index", l.Index),
		)
		return err
	}
	if err := f.apply(&cmd, l.Index); err != nil {
		return err
	}
	return nil
}

func (f *FSM) apply(cmd *Command, index uint64) error {
	switch cmd.Op {
	case opSet:
		f.data[cmd.Key] = &Entry{Value: cmd.Value, Index: index, UpdatedAt: time.Now()}
		return nil
	case opDelete:
		delete(f.data, cmd.Key)
		return nil
	default:
		f.logger.Error("Unknown operation", zap.String("op", cmd.Op))
		return fmt.Errorf("unknown operation: %s", cmd.Op)
	}
}

// Get returns the value stored under key
func (f *FSM) Get(key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entry, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return entry.Value, nil
}

// List returns every value whose key has prefix, ordered by key
func (f *FSM) List(prefix string) map[string][]byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string][]byte)
	for k, e := range f.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = e.Value
		}
	}
	return out
}

// Keys returns the sorted keys with prefix
func (f *FSM) Keys(prefix string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]string, 0)
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Size returns the number of keys
func (f *FSM) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.data)
}

type snapshotData struct {
	Version   int               `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]*Entry `json:"data"`
}

// Snapshot captures a copy of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data := make(map[string]*Entry, len(f.data))
	for k, v := range f.data {
		cp := *v
		cp.Value = append([]byte(nil), v.Value...)
		data[k] = &cp
	}
	return &fsmSnapshot{data: data, logger: f.logger}, nil
}

// Restore replaces the state with a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshotData
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Data == nil {
		snap.Data = make(map[string]*Entry)
	}

	f.mu.Lock()
	f.data = snap.Data
	f.mu.Unlock()

	f.logger.Info("Restored from snapshot",
		zap.Int("entries", len(snap.Data)),
		zap.Time("snapshot_time", snap.Timestamp),
	)
	return nil
}

type fsmSnapshot struct {
	data   map[string]*Entry
	logger *zap.Logger
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	payload, err := json.Marshal(snapshotData{Version: 1, Timestamp: time.Now(), Data: s.data})
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if _, err := sink.Write(payload); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot sink: %w", err)
	}

	s.logger.Debug("Persisted snapshot", zap.Int("entries", len(s.data)))
	return nil
}

func (s *fsmSnapshot) Release() {}
