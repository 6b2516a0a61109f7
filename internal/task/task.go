package task

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/stevedore/internal/machine"
	"github.com/seantiz/stevedore/internal/model"
)

// Result classifies the outcome of a single poll.
type Result int

const (
	// ResultPending means the poll advanced the state; poll again.
	ResultPending Result = iota
	// ResultDone means the project reached a terminal phase.
	ResultDone
	// ResultTryAgain means no progress was made; poll again after backoff.
	ResultTryAgain
	// ResultCancelled means the task was cancelled before this poll ran.
	ResultCancelled
	// ResultErr means the poll failed; the task is abandoned at its last
	// persisted snapshot.
	ResultErr
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return "pending"
	case ResultDone:
		return "done"
	case ResultTryAgain:
		return "try_again"
	case ResultCancelled:
		return "cancelled"
	case ResultErr:
		return "err"
	default:
		return "unknown"
	}
}

// maxBackoff caps the exponential retry delay applied after TryAgain.
const maxBackoff = 30 * time.Second

// Task owns one project's state cursor while a lifecycle change is in
// flight. Cancellation is advisory: it is checked at the top of every
// poll, before any side effect, and never interrupts a running poll.
type Task struct {
	ID          string
	ProjectName string

	mu    sync.Mutex
	state model.ProjectState

	cancelled atomic.Bool
	tries     int

	doneOnce sync.Once
	done     chan struct{}
}

// New builds a task for the given initial snapshot.
func New(state model.ProjectState) *Task {
	return &Task{
		ID:          model.NewTaskID(),
		ProjectName: state.ProjectName,
		state:       state,
		done:        make(chan struct{}),
	}
}

// Cancel requests that the task stop before its next side effect.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// State returns the task's current snapshot.
func (t *Task) State() model.ProjectState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the worker has finished driving the task, whatever
// the outcome.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Poll evaluates exactly one lifecycle step and classifies the outcome.
// The state cursor only moves when the step registered progress, so a
// TryAgain poll leaves the snapshot untouched.
func (t *Task) Poll(ctx context.Context, env machine.Env) (Result, error) {
	if t.cancelled.Load() {
		return ResultCancelled, nil
	}

	cur := t.State()
	if cur.Phase.Terminal() {
		return ResultDone, nil
	}

	next, err := machine.Next(ctx, env, cur)
	if errors.Is(err, machine.ErrNotReady) {
		t.tries++
		return ResultTryAgain, nil
	}
	if err != nil {
		return ResultErr, err
	}

	t.tries = 0
	t.mu.Lock()
	t.state = next
	t.mu.Unlock()

	if next.Phase.Terminal() {
		return ResultDone, nil
	}
	return ResultPending, nil
}

// backoff returns the delay before the next poll after a TryAgain:
// 3^tries milliseconds, capped at maxBackoff.
func (t *Task) backoff() time.Duration {
	d := time.Duration(math.Pow(3, float64(t.tries))) * time.Millisecond
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
