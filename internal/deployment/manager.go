package deployment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/store"
)

// channelCapacity bounds the queue and run channels. Producers get an
// error instead of blocking when the pipeline is saturated.
const channelCapacity = 100

// ErrPipelineFull is returned when the queue or run channel is at capacity.
var ErrPipelineFull = errors.New("deployment pipeline full")

// ErrPipelineClosed is returned by Queue and Run after Close.
var ErrPipelineClosed = errors.New("deployment pipeline closed")

// Builder turns a queued deployment into a runnable artifact.
type Builder interface {
	Build(ctx context.Context, d model.Deployment) (artifactPath string, err error)
}

// Runner loads a built artifact and executes it. Run blocks until the
// service exits; a nil return is a clean exit. Cancelling the context
// stops the service.
type Runner interface {
	Load(ctx context.Context, d model.Deployment) error
	Run(ctx context.Context, d model.Deployment) error
}

// PassthroughBuilder serves deployments whose artifacts are built out of
// band and attached at submission time.
type PassthroughBuilder struct{}

var _ Builder = PassthroughBuilder{}

// Build returns the artifact already attached to the deployment.
func (PassthroughBuilder) Build(_ context.Context, d model.Deployment) (string, error) {
	if d.ArtifactPath == "" {
		return "", errors.New("deployment has no artifact attached")
	}
	return d.ArtifactPath, nil
}

// Manager owns the two-stage deployment pipeline: a queue loop that
// builds queued deployments, and a run dispatcher that gives every built
// deployment its own goroutine racing the service against a kill
// broadcast.
type Manager struct {
	store   store.Store
	builder Builder
	runner  Runner
	logger  *slog.Logger
	kills   *KillBroker

	ctx    context.Context
	cancel context.CancelFunc

	queueCh chan model.Deployment
	runCh   chan model.Deployment

	queueWG    sync.WaitGroup
	dispatchWG sync.WaitGroup
	runWG      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewManager builds a manager. Call Start to launch the pipeline loops.
func NewManager(st store.Store, builder Builder, runner Runner, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   st,
		builder: builder,
		runner:  runner,
		logger:  logger,
		kills:   NewKillBroker(),
		ctx:     ctx,
		cancel:  cancel,
		queueCh: make(chan model.Deployment, channelCapacity),
		runCh:   make(chan model.Deployment, channelCapacity),
	}
}

// Start launches the queue loop and the run dispatcher.
func (m *Manager) Start() {
	m.queueWG.Add(1)
	go func() {
		defer m.queueWG.Done()
		for d := range m.queueCh {
			m.build(d)
		}
	}()

	m.dispatchWG.Add(1)
	go func() {
		defer m.dispatchWG.Done()
		for d := range m.runCh {
			m.runWG.Add(1)
			go m.runOne(d)
		}
	}()
}

// Queue persists a new queued deployment and hands it to the build stage.
func (m *Manager) Queue(ctx context.Context, d model.Deployment) error {
	d.State = model.DeploymentQueued
	d.LastUpdate = time.Now().UTC()
	if err := m.store.CreateDeployment(ctx, &d); err != nil {
		return err
	}
	return m.send(m.queueCh, d)
}

// Run hands an already-built deployment to the run stage.
func (m *Manager) Run(ctx context.Context, d model.Deployment) error {
	return m.send(m.runCh, d)
}

// Kill broadcasts a stop for the project's running deployments. Each run
// goroutine filters the broadcast for its own project.
func (m *Manager) Kill(projectName string) {
	m.logger.Info("kill broadcast", "project", projectName)
	m.kills.Broadcast(projectName)
}

// StartLast re-runs the project's most recent runnable deployment under a
// fresh record. A project with no runnable deployment is not an error;
// there is simply nothing to start yet.
func (m *Manager) StartLast(ctx context.Context, projectName string) error {
	last, err := m.store.LatestRunnableDeployment(ctx, projectName)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Debug("no runnable deployment to start", "project", projectName)
		return nil
	}
	if err != nil {
		return err
	}

	d := model.Deployment{
		ID:           model.NewDeploymentID(),
		ProjectName:  projectName,
		State:        model.DeploymentBuilt,
		ArtifactPath: last.ArtifactPath,
		LastUpdate:   time.Now().UTC(),
	}
	if err := m.store.CreateDeployment(ctx, &d); err != nil {
		return err
	}
	return m.send(m.runCh, d)
}

// Close stops accepting deployments, drains both stages, cancels any
// running services, and waits for everything to finish. Running services
// stopped by shutdown are recorded as stopped.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queueCh)
	m.mu.Unlock()

	m.queueWG.Wait()

	m.mu.Lock()
	close(m.runCh)
	m.mu.Unlock()

	m.dispatchWG.Wait()
	m.cancel()
	m.runWG.Wait()
}

func (m *Manager) send(ch chan model.Deployment, d model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPipelineClosed
	}
	select {
	case ch <- d:
		return nil
	default:
		return ErrPipelineFull
	}
}

// build runs the build stage for one queued deployment and forwards the
// result to the run stage.
func (m *Manager) build(d model.Deployment) {
	log := m.logger.With("deployment_id", d.ID, "project", d.ProjectName)

	m.setState(d.ID, model.DeploymentBuilding, log)

	artifact, err := m.builder.Build(m.ctx, d)
	if err != nil {
		log.Error("build failed", "error", err)
		m.setState(d.ID, model.DeploymentCrashed, log)
		return
	}
	d.ArtifactPath = artifact

	if err := m.store.SetDeploymentArtifact(m.ctx, d.ID, artifact); err != nil {
		log.Error("record artifact", "error", err)
		m.setState(d.ID, model.DeploymentCrashed, log)
		return
	}
	m.setState(d.ID, model.DeploymentBuilt, log)
	log.Info("deployment built", "artifact", artifact)

	select {
	case m.runCh <- d:
	case <-m.ctx.Done():
	}
}

// runOne drives a built deployment through loading and running, then
// races the service's exit against the kill broadcast.
func (m *Manager) runOne(d model.Deployment) {
	defer m.runWG.Done()

	log := m.logger.With("deployment_id", d.ID, "project", d.ProjectName)

	kills, unsubscribe := m.kills.Subscribe()
	defer unsubscribe()

	m.setState(d.ID, model.DeploymentLoading, log)
	if err := m.runner.Load(m.ctx, d); err != nil {
		log.Error("load failed", "error", err)
		m.setState(d.ID, model.DeploymentCrashed, log)
		return
	}

	m.setState(d.ID, model.DeploymentRunning, log)
	runningDeployments.Inc()
	defer runningDeployments.Dec()
	log.Info("deployment running")

	runCtx, cancel := context.WithCancel(m.ctx)
	defer cancel()

	exit := make(chan error, 1)
	go func() {
		exit <- m.runner.Run(runCtx, d)
	}()

	for {
		select {
		case name := <-kills:
			if name != d.ProjectName {
				continue
			}
			log.Info("deployment killed")
			cancel()
			<-exit
			m.setState(d.ID, model.DeploymentStopped, log)
			return

		case err := <-exit:
			switch {
			case runCtx.Err() != nil:
				// Shutdown cancelled the service out from under it.
				m.setState(d.ID, model.DeploymentStopped, log)
			case err != nil:
				log.Error("deployment crashed", "error", err)
				m.setState(d.ID, model.DeploymentCrashed, log)
			default:
				log.Info("deployment completed")
				m.setState(d.ID, model.DeploymentCompleted, log)
			}
			return
		}
	}
}

func (m *Manager) setState(id, state string, log *slog.Logger) {
	if err := m.store.UpdateDeploymentState(context.Background(), id, state); err != nil {
		log.Error("update deployment state", "state", state, "error", err)
		return
	}
	deploymentStatesTotal.WithLabelValues(state).Inc()
}
