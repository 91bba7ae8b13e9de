package provision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/fleetd/fleetd/pkg/api"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.uber.org/zap"
)

// Container labels identifying agent instances
const (
	LabelManaged = "fleetd.managed"
	LabelZone    = "fleetd.zone"
	LabelAgent   = "fleetd.agent"
)

// ContainerdConfig configures agent instances run as containerd containers
type ContainerdConfig struct {
	Zone string

	SocketPath string
	Namespace  string
	Timeout    time.Duration

	// Image is the agent image every instance runs
	Image string
	// Command starts the agent; zone and name flags are appended
	Command []string
	Env     map[string]string

	// WorkspaceDir is bind-mounted at /workspace when set
	WorkspaceDir string

	// CleanInterval is how often the clean list is drained
	CleanInterval time.Duration
	// StopTimeout is how long an instance gets to exit on SIGTERM
	StopTimeout time.Duration
}

// Validate fills defaults and checks required fields
func (c *ContainerdConfig) Validate() error {
	if c.Zone == "" {
		return fmt.Errorf("zone is required")
	}
	if c.Image == "" {
		return fmt.Errorf("agent image is required")
	}
	if c.SocketPath == "" {
		c.SocketPath = "/run/containerd/containerd.sock"
	}
	if c.Namespace == "" {
		c.Namespace = "fleetd"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if len(c.Command) == 0 {
		c.Command = []string{"fleetd-agent", "run"}
	}
	if c.CleanInterval <= 0 {
		c.CleanInterval = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return nil
}

// ContainerdManager runs agent instances as containers on a containerd host
type ContainerdManager struct {
	client *containerd.Client
	config ContainerdConfig
	logger *zap.Logger

	mu    sync.Mutex
	clean map[string]*Instance

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewContainerdManager connects to containerd
func NewContainerdManager(config ContainerdConfig, logger *zap.Logger) (*ContainerdManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Connecting to containerd",
		zap.String("socket", config.SocketPath),
		zap.String("namespace", config.Namespace),
		zap.String("zone", config.Zone),
	)

	client, err := containerd.New(config.SocketPath, containerd.WithTimeout(config.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	version, err := client.Version(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get containerd version: %w", err)
	}
	logger.Info("Connected to containerd", zap.String("version", version.Version))

	return &ContainerdManager{
		client: client,
		config: config,
		logger: logger,
		clean:  make(map[string]*Instance),
	}, nil
}

func (m *ContainerdManager) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, m.config.Namespace)
}

func (m *ContainerdManager) image(ctx context.Context) (containerd.Image, error) {
	image, err := m.client.GetImage(ctx, m.config.Image)
	if err == nil {
		return image, nil
	}

	m.logger.Info("Image not found, pulling", zap.String("image", m.config.Image))
	image, err = m.client.Pull(ctx, m.config.Image, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	return image, nil
}

// BatchStartInstance creates and starts count agent containers. Instances
// started before a failure are returned along with the error.
func (m *ContainerdManager) BatchStartInstance(ctx context.Context, count int) ([]*Instance, error) {
	if count <= 0 {
		return nil, fmt.Errorf("instance count must be positive, got %d", count)
	}
	ctx = m.withNamespace(ctx)

	image, err := m.image(ctx)
	if err != nil {
		return nil, err
	}

	started := make([]*Instance, 0, count)
	for i := 0; i < count; i++ {
		inst, err := m.startOne(ctx, image)
		if err != nil {
			return started, err
		}
		started = append(started, inst)
	}
	return started, nil
}

func (m *ContainerdManager) startOne(ctx context.Context, image containerd.Image) (*Instance, error) {
	id := uuid.New().String()
	name := fmt.Sprintf("agent-%s", id[:8])
	labels := map[string]string{
		LabelManaged: "true",
		LabelZone:    m.config.Zone,
		LabelAgent:   name,
	}

	args := append(append([]string(nil), m.config.Command...), "--zone", m.config.Zone, "--name", name)
	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(args...),
		oci.WithHostname(name),
	}
	if len(m.config.Env) > 0 {
		env := make([]string, 0, len(m.config.Env))
		for k, v := range m.config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		sort.Strings(env)
		specOpts = append(specOpts, oci.WithEnv(env))
	}
	if m.config.WorkspaceDir != "" {
		specOpts = append(specOpts, oci.WithMounts([]specs.Mount{{
			Source:      m.config.WorkspaceDir,
			Destination: "/workspace",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}))
	}

	container, err := m.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	m.logger.Info("Agent instance started",
		zap.String("id", id),
		zap.String("zone", m.config.Zone),
		zap.String("agent", name),
		zap.Uint32("pid", task.Pid()),
	)

	return &Instance{
		ID:        id,
		Path:      api.NewAgentPath(m.config.Zone, name),
		CreatedAt: time.Now(),
		Labels:    labels,
	}, nil
}

// Find looks up the container labelled with path
func (m *ContainerdManager) Find(ctx context.Context, path api.AgentPath) (*Instance, error) {
	ctx = m.withNamespace(ctx)

	list, err := m.client.Containers(ctx, fmt.Sprintf(`labels."%s"==true`, LabelManaged))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	for _, c := range list {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}
		if inst := instanceFromInfo(info); inst != nil && inst.Path == path {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("agent %s: %w", path, ErrInstanceNotFound)
}

func instanceFromInfo(info containers.Container) *Instance {
	zone, name := info.Labels[LabelZone], info.Labels[LabelAgent]
	if zone == "" || name == "" {
		return nil
	}
	return &Instance{
		ID:        info.ID,
		Path:      api.NewAgentPath(zone, name),
		CreatedAt: info.CreatedAt,
		Labels:    info.Labels,
	}
}

// AddToCleanList schedules inst for deletion on the next clean pass
func (m *ContainerdManager) AddToCleanList(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}
	m.mu.Lock()
	m.clean[inst.ID] = inst
	m.mu.Unlock()
	return nil
}

// Start drains the clean list periodically
func (m *ContainerdManager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CleanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Clean(ctx)
			}
		}
	}()
	return nil
}

// Stop stops the clean loop and closes the containerd client
func (m *ContainerdManager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return m.client.Close()
}

// Clean deletes every instance on the clean list. Failed deletions stay
// on the list for the next pass.
func (m *ContainerdManager) Clean(ctx context.Context) int {
	m.mu.Lock()
	pending := make([]*Instance, 0, len(m.clean))
	for _, inst := range m.clean {
		pending = append(pending, inst)
	}
	m.mu.Unlock()

	removed := 0
	for _, inst := range pending {
		if err := m.deleteInstance(ctx, inst.ID); err != nil {
			m.logger.Warn("Failed to reclaim agent instance",
				zap.String("id", inst.ID),
				zap.String("agent", inst.Path.String()),
				zap.Error(err),
			)
			continue
		}
		m.mu.Lock()
		delete(m.clean, inst.ID)
		m.mu.Unlock()
		removed++
	}
	return removed
}

func (m *ContainerdManager) deleteInstance(ctx context.Context, id string) error {
	ctx = m.withNamespace(ctx)

	container, err := m.client.LoadContainer(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("failed to load container: %w", err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		statusC, err := task.Wait(ctx)
		if err != nil {
			return fmt.Errorf("failed to wait for task: %w", err)
		}
		if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
			m.logger.Debug("Failed to signal agent instance", zap.String("id", id), zap.Error(err))
		}
		select {
		case <-statusC:
		case <-time.After(m.config.StopTimeout):
			if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
				return fmt.Errorf("failed to force kill: %w", err)
			}
			<-statusC
		}
		if _, err := task.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	m.logger.Info("Agent instance reclaimed", zap.String("id", id))
	return nil
}

// CleanListLen returns the number of instances awaiting reclamation
func (m *ContainerdManager) CleanListLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clean)
}
