package store

import (
	"context"
	"errors"

	"github.com/seantiz/stevedore/internal/model"
)

// ErrNotFound is returned when a project or deployment is not found.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a deployment state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid deployment state transition")

// Store defines the persistence operations for project states and
// deployments. Implementations must give read-your-writes consistency per
// entity id; no cross-entity transactions are required.
type Store interface {
	SaveProject(ctx context.Context, p model.ProjectState) error
	LoadProject(ctx context.Context, name string) (model.ProjectState, error)
	DeleteProject(ctx context.Context, name string) error
	ListProjects(ctx context.Context, limit, offset int) ([]model.ProjectState, int, error)

	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	UpdateDeploymentState(ctx context.Context, id, state string) error
	SetDeploymentArtifact(ctx context.Context, id, artifactPath string) error
	ListDeployments(ctx context.Context, projectName string) ([]*model.Deployment, error)
	LatestRunnableDeployment(ctx context.Context, projectName string) (*model.Deployment, error)

	Close() error
}
