package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	retainSnapshotCount = 2
	raftTimeout         = 10 * time.Second
	leaderWaitDelay     = 100 * time.Millisecond
)

// ErrNotLeader is returned for writes on a follower
var ErrNotLeader = errors.New("not leader")

// Config contains configuration for the Raft store
type Config struct {
	RaftDir   string
	RaftBind  string
	RaftID    string
	Bootstrap bool
	Logger    *zap.Logger

	// InMemory keeps the log, stable store and snapshots in memory and
	// uses an in-process transport. Nothing survives a restart.
	InMemory bool

	SnapshotRetain int
}

// Validate fills defaults and checks required fields
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.RaftID == "" {
		return fmt.Errorf("raft id is required")
	}
	if !c.InMemory {
		if c.RaftDir == "" {
			return fmt.Errorf("raft directory is required")
		}
		if c.RaftBind == "" {
			return fmt.Errorf("raft bind address is required")
		}
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = retainSnapshotCount
	}
	return nil
}

// Store is a raft-replicated key-value store
type Store struct {
	raft       *raft.Raft
	fsm        *FSM
	config     *Config
	logger     *zap.Logger
	shutdownCh chan struct{}
	closers    []func() error
}

// NewStore creates and starts a raft node
func NewStore(config *Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		config:     config,
		logger:     config.Logger,
		fsm:        NewFSM(config.Logger),
		shutdownCh: make(chan struct{}),
	}

	if err := s.initRaft(); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to initialize raft: %w", err)
	}
	return s, nil
}

func (s *Store) initRaft() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.config.RaftID)
	config.Logger = newHCLogger(s.logger)
	config.SnapshotThreshold = 1024
	config.SnapshotInterval = 120 * time.Second
	config.LeaderLeaseTimeout = 500 * time.Millisecond
	config.HeartbeatTimeout = 1000 * time.Millisecond
	config.ElectionTimeout = 1000 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond

	var (
		logStore      raft.LogStore
		stableStore   raft.StableStore
		snapshotStore raft.SnapshotStore
		transport     raft.Transport
	)

	if s.config.InMemory {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshotStore = raft.NewInmemSnapshotStore()
		_, transport = raft.NewInmemTransport(raft.ServerAddress(s.config.RaftID))
	} else {
		if err := os.MkdirAll(s.config.RaftDir, 0700); err != nil {
			return fmt.Errorf("failed to create raft directory: %w", err)
		}

		addr, err := net.ResolveTCPAddr("tcp", s.config.RaftBind)
		if err != nil {
			return fmt.Errorf("failed to resolve bind address: %w", err)
		}
		var advertise net.Addr = addr
		if addr.Port == 0 {
			advertise = nil
		}
		tcp, err := raft.NewTCPTransport(s.config.RaftBind, advertise, 3, 10*time.Second, os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		transport = tcp
		s.closers = append(s.closers, tcp.Close)

		snapshotStore, err = raft.NewFileSnapshotStore(s.config.RaftDir, s.config.SnapshotRetain, os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %w", err)
		}

		bolt, err := raftboltdb.NewBoltStore(filepath.Join(s.config.RaftDir, "raft.db"))
		if err != nil {
			return fmt.Errorf("failed to create log store: %w", err)
		}
		s.closers = append(s.closers, bolt.Close)
		logStore, stableStore = bolt, bolt
	}

	ra, err := raft.NewRaft(config, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	s.raft = ra

	if s.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return fmt.Errorf("failed to check existing state: %w", err)
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
			}
			if err := ra.BootstrapCluster(configuration).Error(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			s.logger.Info("Bootstrapped Raft cluster",
				zap.String("id", string(config.LocalID)),
				zap.String("addr", string(transport.LocalAddr())),
			)
		}
	}

	return nil
}

// LeaderCh reports leadership changes of this node
func (s *Store) LeaderCh() <-chan bool {
	return s.raft.LeaderCh()
}

// Get retrieves a value for a given key
func (s *Store) Get(key string) ([]byte, error) {
	return s.fsm.Get(key)
}

// List returns every value under prefix
func (s *Store) List(prefix string) map[string][]byte {
	return s.fsm.List(prefix)
}

// Set stores a key-value pair
func (s *Store) Set(key string, value []byte) error {
	return s.apply(&Command{Op: opSet, Key: key, Value: value})
}

// Delete removes a key
func (s *Store) Delete(key string) error {
	return s.apply(&Command{Op: opDelete, Key: key})
}

// ApplyBatch applies several commands in one log entry
func (s *Store) ApplyBatch(commands []*Command) error {
	return s.apply(&BatchCommand{Commands: commands})
}

func (s *Store) apply(v interface{}) error {
	if s.raft.State() != raft.Leader {
		return ErrNotLeader
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := s.raft.Apply(data, raftTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// Join adds a voter to the cluster
func (s *Store) Join(nodeID, addr string) error {
	s.logger.Info("Received join request",
		zap.String("node_id", nodeID),
		zap.String("addr", addr),
	)

	configFuture := s.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return fmt.Errorf("failed to get configuration: %w", err)
	}

	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) {
			if srv.Address == raft.ServerAddress(addr) {
				return nil
			}
			if err := s.raft.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
				return fmt.Errorf("failed to remove existing node: %w", err)
			}
		}
	}

	if err := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// IsLeader returns true if this node is the cluster leader
func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// GetLeader returns the address of the cluster leader
func (s *Store) GetLeader() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader waits for a leader to be elected
func (s *Store) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(leaderWaitDelay)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			if leader := s.GetLeader(); leader != "" {
				s.logger.Info("Leader detected", zap.String("leader", leader))
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for leader")
		case <-s.shutdownCh:
			return fmt.Errorf("store closed")
		}
	}
}

// Stats returns Raft statistics
func (s *Store) Stats() map[string]string {
	return s.raft.Stats()
}

// AppliedIndex returns the last applied log index
func (s *Store) AppliedIndex() uint64 {
	return s.raft.AppliedIndex()
}

// LastIndex returns the last log index
func (s *Store) LastIndex() uint64 {
	return s.raft.LastIndex()
}

// Close shuts down the Raft store
func (s *Store) Close() error {
	s.logger.Info("Shutting down Raft store")
	close(s.shutdownCh)

	var err error
	if s.raft != nil {
		if ferr := s.raft.Shutdown().Error(); ferr != nil {
			err = fmt.Errorf("failed to shutdown raft: %w", ferr)
		}
	}
	s.closeStores()
	return err
}

func (s *Store) closeStores() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Debug("Failed to close raft resource", zap.Error(err))
		}
	}
	s.closers = nil
}

// newHCLogger routes hashicorp raft logging into zap
func newHCLogger(logger *zap.Logger) hclog.Logger {
	level := hclog.Info
	if logger.Core().Enabled(zapcore.DebugLevel) {
		level = hclog.Debug
	} else if !logger.Core().Enabled(zapcore.InfoLevel) {
		level = hclog.Warn
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:        "raft",
		Level:       level,
		Output:      zap.NewStdLog(logger.Named("raft")).Writer(),
		DisableTime: true,
	})
}
