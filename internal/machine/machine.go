package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/stevedore/internal/containers"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/provisioner"
)

// ErrNotReady signals that the current step made no progress and should be
// re-evaluated later in the same phase. It maps to a TryAgain task result.
var ErrNotReady = errors.New("not ready yet")

// maxRestarts bounds back-to-back restart attempts before a project is
// parked in the errored phase for an operator to resubmit.
const maxRestarts = 5

// Starter kicks off a project's most recent runnable deployment once the
// backing infrastructure is ready.
type Starter interface {
	StartLast(ctx context.Context, projectName string) error
}

// Env carries the shared, read-mostly handles every transition runs
// against. Handles are passed by reference; no transition may assume
// exclusive access to any of them.
type Env struct {
	Engine      containers.Engine
	Provisioner provisioner.Client
	Deployments Starter
}

// Next evaluates one lifecycle step: it performs the phase's side effect
// and returns the resulting snapshot. Terminal phases return unchanged.
//
// Transient infrastructure errors are returned alongside the unchanged
// state for the caller to classify; unrecoverable failures (missing image,
// restart exhaustion, unknown phase) transition to the errored phase
// instead so the diagnostic is persisted and visible.
func Next(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	switch p.Phase {
	case model.PhaseCreating:
		return stepCreating(ctx, env, p)
	case model.PhaseAttaching:
		return stepAttaching(ctx, env, p)
	case model.PhaseStarting:
		return stepStarting(ctx, env, p)
	case model.PhaseStarted:
		return stepStarted(p)
	case model.PhaseReadying:
		return stepReadying(ctx, env, p)
	case model.PhaseReady:
		return stepReady(ctx, env, p)
	case model.PhaseStopping:
		return stepStopping(ctx, env, p)
	case model.PhaseRebooting:
		return stepRebooting(ctx, env, p)
	case model.PhaseRestarting:
		return stepRestarting(ctx, env, p)
	case model.PhaseRecreating:
		return stepRecreating(ctx, env, p)
	case model.PhaseDestroying:
		return stepDestroying(ctx, env, p)
	case model.PhaseRunning, model.PhaseCompleted, model.PhaseStopped,
		model.PhaseDestroyed, model.PhaseErrored:
		return p, nil
	default:
		return errored(p, fmt.Sprintf("unknown phase %q", p.Phase)), nil
	}
}

func stepCreating(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	handle, err := env.Engine.Create(ctx, specFor(p))
	if errors.Is(err, containers.ErrImageMissing) {
		return errored(p, err.Error()), nil
	}
	if err != nil {
		return p, err
	}

	p.ContainerID = handle
	return advance(p, model.PhaseAttaching), nil
}

func stepAttaching(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	// Provision first when the project wants a database; the credentials
	// land in the snapshot so a resumed project never provisions twice.
	if p.NeedsDatabase && p.Credentials == nil {
		creds, err := env.Provisioner.ProvisionDatabase(ctx, p.ProjectName)
		if err != nil {
			return p, err
		}
		p.Credentials = &creds
		return stamp(p), nil
	}

	if err := env.Engine.AttachNetwork(ctx, p.ContainerID); err != nil {
		if errors.Is(err, containers.ErrContainerMissing) {
			return advance(p, model.PhaseRecreating), nil
		}
		return p, err
	}
	return advance(p, model.PhaseStarting), nil
}

func stepStarting(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	if err := env.Engine.Start(ctx, p.ContainerID); err != nil {
		if errors.Is(err, containers.ErrContainerMissing) {
			return advance(p, model.PhaseRecreating), nil
		}
		return p, err
	}
	return advance(p, model.PhaseStarted), nil
}

// stepStarted is pure bookkeeping: the start call succeeded, so the
// restart budget resets before readiness checking begins.
func stepStarted(p model.ProjectState) (model.ProjectState, error) {
	p.Restarts = 0
	return advance(p, model.PhaseReadying), nil
}

func stepReadying(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	status, err := env.Engine.Inspect(ctx, p.ContainerID)
	if err != nil {
		return p, err
	}

	switch {
	case !status.Exists:
		p.ContainerID = ""
		return advance(p, model.PhaseRecreating), nil
	case status.Running && status.Health == containers.HealthStarting:
		return p, ErrNotReady
	case status.Running && status.Health == containers.HealthUnhealthy:
		return advance(p, model.PhaseRestarting), nil
	case status.Running:
		p.Checked = true
		return advance(p, model.PhaseReady), nil
	case status.ExitCode == 0:
		// Ran to completion before the first readiness check.
		return advance(p, model.PhaseCompleted), nil
	default:
		return advance(p, model.PhaseRestarting), nil
	}
}

func stepReady(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	// A project re-entering ready after a stop, restart, or recreate must
	// prove the backing container still exists before assuming readiness.
	if !p.Checked {
		status, err := env.Engine.Inspect(ctx, p.ContainerID)
		if err != nil {
			return p, err
		}
		if !status.Exists {
			p.ContainerID = ""
			return advance(p, model.PhaseRecreating), nil
		}
		if !status.Running {
			return advance(p, model.PhaseRestarting), nil
		}
		p.Checked = true
		return stamp(p), nil
	}

	if err := env.Deployments.StartLast(ctx, p.ProjectName); err != nil {
		return p, err
	}
	return advance(p, model.PhaseRunning), nil
}

func stepStopping(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	if err := env.Engine.Stop(ctx, p.ContainerID); err != nil {
		if errors.Is(err, containers.ErrContainerMissing) {
			// Nothing left to stop; the stopped phase still records that
			// the project is parked.
			p.ContainerID = ""
			return advance(p, model.PhaseStopped), nil
		}
		return p, err
	}
	return advance(p, model.PhaseStopped), nil
}

func stepRebooting(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	if err := env.Engine.Stop(ctx, p.ContainerID); err != nil {
		if errors.Is(err, containers.ErrContainerMissing) {
			p.ContainerID = ""
			return advance(p, model.PhaseRecreating), nil
		}
		return p, err
	}
	return advance(p, model.PhaseStarting), nil
}

func stepRestarting(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	if p.Restarts >= maxRestarts {
		return errored(p, fmt.Sprintf("restarted %d times without becoming ready", p.Restarts)), nil
	}

	if err := env.Engine.Start(ctx, p.ContainerID); err != nil {
		if errors.Is(err, containers.ErrContainerMissing) {
			p.ContainerID = ""
			return advance(p, model.PhaseRecreating), nil
		}
		return p, err
	}

	p.Restarts++
	return advance(p, model.PhaseReadying), nil
}

func stepRecreating(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	if p.ContainerID != "" {
		if err := env.Engine.Remove(ctx, p.ContainerID); err != nil {
			return p, err
		}
		p.ContainerID = ""
	}
	// Credentials survive a recreate; only the container is replaced.
	return advance(p, model.PhaseCreating), nil
}

func stepDestroying(ctx context.Context, env Env, p model.ProjectState) (model.ProjectState, error) {
	if p.ContainerID != "" {
		if err := env.Engine.Remove(ctx, p.ContainerID); err != nil {
			return p, err
		}
		p.ContainerID = ""
	}
	return advance(p, model.PhaseDestroyed), nil
}

// specFor builds the container spec for a project. Provisioned credentials
// are exposed to the service through its environment.
func specFor(p model.ProjectState) containers.Spec {
	spec := containers.Spec{
		ProjectName: p.ProjectName,
		Image:       p.Image,
	}
	if p.Credentials != nil {
		spec.Env = append(spec.Env, "DATABASE_URL="+p.Credentials.ConnString())
	}
	return spec
}

func advance(p model.ProjectState, next model.Phase) model.ProjectState {
	p.Phase = next
	p.Error = ""
	// Readiness validation does not survive leaving the ready/running pair.
	if next != model.PhaseReady && next != model.PhaseRunning {
		p.Checked = false
	}
	return stamp(p)
}

func errored(p model.ProjectState, diagnostic string) model.ProjectState {
	p.Phase = model.PhaseErrored
	p.Error = diagnostic
	return stamp(p)
}

func stamp(p model.ProjectState) model.ProjectState {
	p.UpdatedAt = time.Now().UTC()
	return p
}
