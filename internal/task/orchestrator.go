package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/stevedore/internal/machine"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/store"
)

// Options configures the orchestrator's worker pool.
type Options struct {
	DriveLoops    int
	QueueCapacity int
	StallTimeout  time.Duration
}

// Orchestrator is the submission surface for lifecycle tasks. It persists
// the initial snapshot, queues a task to drive it, and tracks in-flight
// tasks by project name so they can be cancelled.
//
// Submissions are not deduplicated: submitting a name that already has a
// task in flight replaces the cancellable reference, and callers are
// expected to serialize submissions per project.
type Orchestrator struct {
	worker *Worker
	store  store.Store
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewOrchestrator builds an orchestrator and starts its drive loops.
func NewOrchestrator(env machine.Env, st store.Store, logger *slog.Logger, opts Options) *Orchestrator {
	o := &Orchestrator{
		worker: NewWorker(env, st, logger, opts.QueueCapacity, opts.StallTimeout),
		store:  st,
		logger: logger,
		tasks:  make(map[string]*Task),
	}
	o.worker.Start(opts.DriveLoops)
	return o
}

// Submit persists the initial snapshot and queues a task to drive the
// project to a terminal phase. The snapshot is durable before the task is
// visible to any drive loop.
func (o *Orchestrator) Submit(ctx context.Context, state model.ProjectState) (*Task, error) {
	if err := o.store.SaveProject(ctx, state); err != nil {
		return nil, err
	}

	t := New(state)

	o.mu.Lock()
	o.tasks[state.ProjectName] = t
	o.mu.Unlock()

	if err := o.worker.Submit(t); err != nil {
		o.forget(t)
		return nil, err
	}

	go func() {
		<-t.Done()
		o.forget(t)
	}()

	o.logger.Info("task submitted", "task_id", t.ID, "project", state.ProjectName, "phase", state.Phase)
	return t, nil
}

// Cancel requests cancellation of the project's in-flight task. It
// reports whether a task was found to cancel.
func (o *Orchestrator) Cancel(projectName string) bool {
	o.mu.Lock()
	t, ok := o.tasks[projectName]
	o.mu.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

// CurrentState reports the project's last persisted snapshot.
func (o *Orchestrator) CurrentState(ctx context.Context, projectName string) (model.ProjectState, error) {
	return o.store.LoadProject(ctx, projectName)
}

// Close stops accepting submissions and waits for queued tasks to drain.
func (o *Orchestrator) Close() {
	o.worker.Close()
}

func (o *Orchestrator) forget(t *Task) {
	o.mu.Lock()
	if o.tasks[t.ProjectName] == t {
		delete(o.tasks, t.ProjectName)
	}
	o.mu.Unlock()
}
