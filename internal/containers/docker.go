package containers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// projectLabel marks containers managed by this platform and records which
// project owns them.
const projectLabel = "stevedore.project"

// Compile-time interface satisfaction check.
var _ Engine = (*DockerEngine)(nil)

// DockerEngine implements Engine against the Docker daemon.
type DockerEngine struct {
	cli         *client.Client
	logger      *slog.Logger
	networkName string

	mu        sync.Mutex
	networkID string
}

// NewDockerEngine creates a Docker-backed engine. The client honours the
// usual DOCKER_HOST environment configuration.
func NewDockerEngine(networkName string, logger *slog.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("new docker client: %w", err)
	}
	return &DockerEngine{
		cli:         cli,
		logger:      logger,
		networkName: networkName,
	}, nil
}

// Close releases the underlying Docker client.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// ensureNetwork creates or retrieves the bridge network shared by all
// managed service containers.
func (e *DockerEngine) ensureNetwork(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.networkID != "" {
		return e.networkID, nil
	}

	networks, err := e.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == e.networkName {
			e.networkID = n.ID
			return n.ID, nil
		}
	}

	resp, err := e.cli.NetworkCreate(ctx, e.networkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", e.networkName, err)
	}

	e.logger.Info("created service network", "network", e.networkName, "id", resp.ID)
	e.networkID = resp.ID
	return resp.ID, nil
}

// Create creates the container backing a project. The image must already
// be present on the daemon; a missing image is reported as ErrImageMissing.
func (e *DockerEngine) Create(ctx context.Context, spec Spec) (string, error) {
	resources := container.Resources{}
	if spec.MemoryMB > 0 {
		resources.Memory = spec.MemoryMB * 1024 * 1024
	}
	if spec.CPUs > 0 {
		resources.NanoCPUs = int64(spec.CPUs * math.Pow10(9))
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		Labels: map[string]string{
			projectLabel: spec.ProjectName,
		},
	}, &container.HostConfig{
		Resources: resources,
	}, nil, nil, "")
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageMissing, spec.Image)
		}
		return "", fmt.Errorf("create container: %w", err)
	}

	e.logger.Debug("container created", "project", spec.ProjectName, "container_id", resp.ID)
	return resp.ID, nil
}

// Start starts a created or stopped container.
func (e *DockerEngine) Start(ctx context.Context, handle string) error {
	if err := e.cli.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerMissing, handle)
		}
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// Inspect reports the container's status. A vanished container yields
// Status{Exists: false} without an error so the state machine can decide
// how to recover.
func (e *DockerEngine) Inspect(ctx context.Context, handle string) (Status, error) {
	inspect, err := e.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return Status{Exists: false}, nil
		}
		return Status{}, fmt.Errorf("inspect container: %w", err)
	}

	status := Status{Exists: true}
	if inspect.State != nil {
		status.Running = inspect.State.Running
		status.ExitCode = inspect.State.ExitCode
		if inspect.State.Health != nil {
			status.Health = inspect.State.Health.Status
		}
	}
	return status, nil
}

// Stop stops a running container.
func (e *DockerEngine) Stop(ctx context.Context, handle string) error {
	if err := e.cli.ContainerStop(ctx, handle, container.StopOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerMissing, handle)
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Remove force-removes a container; an already-gone container is fine.
func (e *DockerEngine) Remove(ctx context.Context, handle string) error {
	err := e.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// AttachNetwork connects the container to the platform service network,
// creating the network on first use.
func (e *DockerEngine) AttachNetwork(ctx context.Context, handle string) error {
	networkID, err := e.ensureNetwork(ctx)
	if err != nil {
		return err
	}
	if err := e.cli.NetworkConnect(ctx, networkID, handle, &network.EndpointSettings{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerMissing, handle)
		}
		return fmt.Errorf("attach network: %w", err)
	}
	return nil
}
