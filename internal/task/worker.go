package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/stevedore/internal/machine"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/store"
)

// ErrQueueFull is returned by Submit when the worker queue is at capacity.
var ErrQueueFull = errors.New("task queue full")

// ErrWorkerClosed is returned by Submit after Close has been called.
var ErrWorkerClosed = errors.New("worker closed")

// Worker owns the bounded task queue and the drive loops that consume it.
// Each dequeued task is driven to a terminal outcome before the loop picks
// up the next one, so a single project's steps are totally ordered.
type Worker struct {
	env    machine.Env
	store  store.Store
	logger *slog.Logger
	stall  time.Duration

	queue chan *Task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewWorker builds a worker with the given queue capacity and stall
// timeout. Call Start to launch drive loops.
func NewWorker(env machine.Env, st store.Store, logger *slog.Logger, queueCapacity int, stall time.Duration) *Worker {
	return &Worker{
		env:    env,
		store:  st,
		logger: logger,
		stall:  stall,
		queue:  make(chan *Task, queueCapacity),
	}
}

// Start launches n drive loops. Each loop exits once the queue is closed
// and drained.
func (w *Worker) Start(n int) {
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for t := range w.queue {
				queueDepth.Dec()
				w.drive(t)
			}
		}()
	}
}

// Submit enqueues a task without blocking.
func (w *Worker) Submit(t *Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}
	select {
	case w.queue <- t:
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks, lets the drive loops drain the queue, and
// waits for them to exit.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}

type pollOutcome struct {
	result Result
	err    error
}

// drive polls the task to a terminal outcome, persisting every snapshot
// that registered progress.
func (w *Worker) drive(t *Task) {
	defer t.finish()

	ctx := context.Background()
	log := w.logger.With("task_id", t.ID, "project", t.ProjectName)

	// The stall timer measures time since the last registered progress.
	// It fires as a diagnostic only: the in-flight poll keeps running.
	timer := time.NewTimer(w.stall)
	defer timer.Stop()

	for {
		outCh := make(chan pollOutcome, 1)
		go func() {
			r, err := t.Poll(ctx, w.env)
			outCh <- pollOutcome{result: r, err: err}
		}()

		var out pollOutcome
	await:
		for {
			select {
			case out = <-outCh:
				break await
			case <-timer.C:
				stallWarningsTotal.Inc()
				log.Warn("task made no progress within stall timeout",
					"phase", t.State().Phase, "timeout", w.stall)
				timer.Reset(w.stall)
			}
		}

		pollResultsTotal.WithLabelValues(out.result.String()).Inc()

		switch out.result {
		case ResultPending:
			if !w.persist(ctx, log, t.State()) {
				return
			}
			// Progress: the stall timer starts over.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.stall)

		case ResultTryAgain:
			// No progress: the stall timer keeps running across the
			// backoff sleep.
			time.Sleep(t.backoff())

		case ResultDone:
			state := t.State()
			if state.Phase == model.PhaseDestroyed {
				if err := w.store.DeleteProject(ctx, t.ProjectName); err != nil && !errors.Is(err, store.ErrNotFound) {
					log.Error("delete destroyed project", "error", err)
				}
				log.Info("project destroyed")
				return
			}
			if !w.persist(ctx, log, state) {
				return
			}
			log.Info("task finished", "phase", state.Phase)
			return

		case ResultCancelled:
			// The last persisted snapshot stands; any container already
			// created remains referenced there.
			log.Info("task cancelled", "phase", t.State().Phase)
			return

		case ResultErr:
			log.Error("task abandoned", "phase", t.State().Phase, "error", out.err)
			return
		}
	}
}

func (w *Worker) persist(ctx context.Context, log *slog.Logger, state model.ProjectState) bool {
	if err := w.store.SaveProject(ctx, state); err != nil {
		log.Error("persist project state", "phase", state.Phase, "error", err)
		return false
	}
	return true
}
