package containers

import (
	"context"
	"errors"
)

// ErrImageMissing is returned by Create when the requested image does not
// exist. It is fatal: retrying cannot succeed until the image is published.
var ErrImageMissing = errors.New("image missing")

// ErrContainerMissing is returned when an operation targets a container
// that no longer exists.
var ErrContainerMissing = errors.New("container missing")

// Spec describes the container backing a project.
type Spec struct {
	ProjectName string
	Image       string
	Env         []string
	MemoryMB    int64
	CPUs        float64
}

// Container health values, mirroring the engine's healthcheck states.
// Empty means the image defines no healthcheck.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Status is a point-in-time snapshot of a container, as reported by the
// engine. Exists=false means the engine has no record of the handle.
type Status struct {
	Exists   bool
	Running  bool
	ExitCode int
	Health   string
}

// Engine is the container-engine driver consumed by the state machine.
// Failures are retryable unless the returned error wraps ErrImageMissing.
type Engine interface {
	// Create creates a container from the spec and returns its handle.
	Create(ctx context.Context, spec Spec) (string, error)

	// Start starts a created or stopped container.
	Start(ctx context.Context, handle string) error

	// Inspect reports the container's current status. A vanished container
	// yields Status{Exists: false} with a nil error.
	Inspect(ctx context.Context, handle string) (Status, error)

	// Stop stops a running container.
	Stop(ctx context.Context, handle string) error

	// Remove force-removes a container. Removing an already-gone container
	// is not an error.
	Remove(ctx context.Context, handle string) error

	// AttachNetwork connects the container to the platform service network.
	AttachNetwork(ctx context.Context, handle string) error
}
