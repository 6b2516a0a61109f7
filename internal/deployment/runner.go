package deployment

import (
	"context"

	"github.com/seantiz/stevedore/internal/model"
)

// ExternalRunner serves setups where the service process lives inside the
// project's container and is supervised by the lifecycle state machine,
// not by the pipeline. The deployment stays running until it is killed or
// the pipeline shuts down.
type ExternalRunner struct{}

var _ Runner = ExternalRunner{}

// Load is a no-op; the artifact is already baked into the project image.
func (ExternalRunner) Load(_ context.Context, _ model.Deployment) error {
	return nil
}

// Run blocks until the deployment is cancelled.
func (ExternalRunner) Run(ctx context.Context, _ model.Deployment) error {
	<-ctx.Done()
	return nil
}
