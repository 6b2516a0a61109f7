package task

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/stevedore/internal/containers"
	"github.com/seantiz/stevedore/internal/machine"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/provisioner"
	"github.com/seantiz/stevedore/internal/store"
)

// gateEngine is a container engine fake whose create and attach calls can
// be held open by the test. Calls and status are guarded by mu.
type gateEngine struct {
	mu      sync.Mutex
	creates int
	status  containers.Status

	createDelay time.Duration
	attachGate  chan struct{} // nil means attach returns immediately
	attachBegun chan struct{}
}

var _ containers.Engine = (*gateEngine)(nil)

func newGateEngine() *gateEngine {
	return &gateEngine{status: containers.Status{Exists: true, Running: true}}
}

func (g *gateEngine) Create(_ context.Context, _ containers.Spec) (string, error) {
	if g.createDelay > 0 {
		time.Sleep(g.createDelay)
	}
	g.mu.Lock()
	g.creates++
	g.mu.Unlock()
	return "ctr-1", nil
}

func (g *gateEngine) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates
}

func (g *gateEngine) Start(_ context.Context, _ string) error { return nil }

func (g *gateEngine) Inspect(_ context.Context, _ string) (containers.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, nil
}

func (g *gateEngine) setStatus(s containers.Status) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

func (g *gateEngine) Stop(_ context.Context, _ string) error   { return nil }
func (g *gateEngine) Remove(_ context.Context, _ string) error { return nil }

func (g *gateEngine) AttachNetwork(_ context.Context, _ string) error {
	if g.attachBegun != nil {
		g.attachBegun <- struct{}{}
	}
	if g.attachGate != nil {
		<-g.attachGate
	}
	return nil
}

type nopProvisioner struct{}

var _ provisioner.Client = nopProvisioner{}

func (nopProvisioner) ProvisionDatabase(_ context.Context, _ string) (model.DatabaseCredentials, error) {
	return model.DatabaseCredentials{}, nil
}

type nopStarter struct{}

func (nopStarter) StartLast(_ context.Context, _ string) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testWorkerEnv(eng containers.Engine) machine.Env {
	return machine.Env{Engine: eng, Provisioner: nopProvisioner{}, Deployments: nopStarter{}}
}

func waitForPhase(t *testing.T, st store.Store, name string, want model.Phase) model.ProjectState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := st.LoadProject(context.Background(), name)
		if err == nil && p.Phase == want {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	p, err := st.LoadProject(context.Background(), name)
	t.Fatalf("project %s never reached %s (last: %+v, err: %v)", name, want, p, err)
	return model.ProjectState{}
}

func waitDone(t *testing.T, tk *Task) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish in time")
	}
}

func TestWorkerDrivesProjectToRunning(t *testing.T) {
	st := newTestStore(t)
	eng := newGateEngine()
	w := NewWorker(testWorkerEnv(eng), st, discardLogger(), 16, time.Minute)
	w.Start(1)
	defer w.Close()

	tk := New(model.NewProject("svc-a", "svc-a:latest", false))
	if err := w.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, tk)

	p := waitForPhase(t, st, "svc-a", model.PhaseRunning)
	if p.ContainerID != "ctr-1" {
		t.Errorf("persisted container id = %q, want ctr-1", p.ContainerID)
	}
	if eng.createCount() != 1 {
		t.Errorf("creates = %d, want 1", eng.createCount())
	}
}

func TestTryAgainDoesNotMoveCursor(t *testing.T) {
	eng := newGateEngine()
	eng.setStatus(containers.Status{Exists: true, Running: true, Health: containers.HealthStarting})
	env := testWorkerEnv(eng)

	p := model.NewProject("svc-a", "svc-a:latest", false)
	p.Phase = model.PhaseReadying
	p.ContainerID = "ctr-1"
	tk := New(p)

	for i := 0; i < 3; i++ {
		res, err := tk.Poll(context.Background(), env)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if res != ResultTryAgain {
			t.Fatalf("poll %d result = %s, want try_again", i, res)
		}
		if got := tk.State(); got.Phase != model.PhaseReadying {
			t.Fatalf("poll %d moved cursor to %s", i, got.Phase)
		}
	}

	// Backoff grows with consecutive attempts and stays capped.
	if d := tk.backoff(); d != 27*time.Millisecond {
		t.Errorf("backoff after 3 tries = %v, want 27ms", d)
	}
	tk.tries = 40
	if d := tk.backoff(); d != maxBackoff {
		t.Errorf("backoff after 40 tries = %v, want %v", d, maxBackoff)
	}

	// Progress resets the attempt count.
	eng.setStatus(containers.Status{Exists: true, Running: true})
	tk.tries = 3
	res, err := tk.Poll(context.Background(), env)
	if err != nil || res != ResultPending {
		t.Fatalf("poll after ready = %s, %v", res, err)
	}
	if tk.tries != 0 {
		t.Errorf("tries after progress = %d, want 0", tk.tries)
	}
}

func TestCancelBeforeFirstSideEffect(t *testing.T) {
	st := newTestStore(t)
	eng := newGateEngine()
	w := NewWorker(testWorkerEnv(eng), st, discardLogger(), 16, time.Minute)

	tk := New(model.NewProject("svc-a", "svc-a:latest", false))
	tk.Cancel()
	if err := w.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	w.Start(1)
	w.Close()
	waitDone(t, tk)

	if eng.createCount() != 0 {
		t.Errorf("creates = %d, want 0: cancellation must precede side effects", eng.createCount())
	}
	if tk.State().Phase != model.PhaseCreating {
		t.Errorf("phase = %s, want %s", tk.State().Phase, model.PhaseCreating)
	}
}

func TestCancelAfterCreateKeepsContainerReference(t *testing.T) {
	st := newTestStore(t)
	eng := newGateEngine()
	eng.attachGate = make(chan struct{})
	eng.attachBegun = make(chan struct{}, 1)
	w := NewWorker(testWorkerEnv(eng), st, discardLogger(), 16, time.Minute)
	w.Start(1)
	defer w.Close()

	tk := New(model.NewProject("svc-a", "svc-a:latest", false))
	if err := w.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The create step has completed and the attach step is in flight.
	select {
	case <-eng.attachBegun:
	case <-time.After(2 * time.Second):
		t.Fatal("attach never started")
	}

	// Cancel mid-poll: the in-flight attach finishes and its snapshot is
	// persisted before the cancellation takes effect.
	tk.Cancel()
	close(eng.attachGate)
	waitDone(t, tk)

	p := waitForPhase(t, st, "svc-a", model.PhaseStarting)
	if p.ContainerID != "ctr-1" {
		t.Errorf("persisted container id = %q: cancellation must not orphan the container", p.ContainerID)
	}
	if p.Phase.Terminal() {
		t.Errorf("phase = %s, want non-terminal", p.Phase)
	}
}

func TestCloseDrainsQueuedTasks(t *testing.T) {
	st := newTestStore(t)
	eng := newGateEngine()
	w := NewWorker(testWorkerEnv(eng), st, discardLogger(), 16, time.Minute)

	names := []string{"svc-a", "svc-b", "svc-c"}
	tasks := make([]*Task, 0, len(names))
	for _, name := range names {
		tk := New(model.NewProject(name, name+":latest", false))
		if err := w.Submit(tk); err != nil {
			t.Fatalf("Submit %s: %v", name, err)
		}
		tasks = append(tasks, tk)
	}

	w.Start(2)
	w.Close()

	for i, tk := range tasks {
		waitDone(t, tk)
		waitForPhase(t, st, names[i], model.PhaseRunning)
	}

	if err := w.Submit(New(model.NewProject("svc-d", "svc-d:latest", false))); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("Submit after Close = %v, want ErrWorkerClosed", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	st := newTestStore(t)
	w := NewWorker(testWorkerEnv(newGateEngine()), st, discardLogger(), 1, time.Minute)

	if err := w.Submit(New(model.NewProject("svc-a", "svc-a:latest", false))); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := w.Submit(New(model.NewProject("svc-b", "svc-b:latest", false))); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Submit = %v, want ErrQueueFull", err)
	}
}

func TestRetriesDoNotResetStallTimer(t *testing.T) {
	st := newTestStore(t)
	eng := newGateEngine()
	eng.setStatus(containers.Status{Exists: true, Running: true, Health: containers.HealthStarting})

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	w := NewWorker(testWorkerEnv(eng), st, logger, 16, 25*time.Millisecond)
	w.Start(1)

	p := model.NewProject("svc-a", "svc-a:latest", false)
	p.Phase = model.PhaseReadying
	p.ContainerID = "ctr-1"
	tk := New(p)
	if err := w.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Every poll returns promptly without progress; the stall timer keeps
	// running across them, so warnings still accumulate.
	time.Sleep(100 * time.Millisecond)
	eng.setStatus(containers.Status{Exists: true, Running: true})

	waitDone(t, tk)
	w.Close()

	if !strings.Contains(buf.String(), "no progress within stall timeout") {
		t.Error("expected a stall warning while polls kept returning without progress")
	}
	waitForPhase(t, st, "svc-a", model.PhaseRunning)
}

func TestStallWarningDoesNotAbortPoll(t *testing.T) {
	st := newTestStore(t)
	eng := newGateEngine()
	eng.createDelay = 120 * time.Millisecond

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	w := NewWorker(testWorkerEnv(eng), st, logger, 16, 25*time.Millisecond)
	w.Start(1)

	tk := New(model.NewProject("svc-a", "svc-a:latest", false))
	if err := w.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, tk)
	w.Close()

	// The slow create stalled past the timeout but was never aborted.
	waitForPhase(t, st, "svc-a", model.PhaseRunning)
	if !strings.Contains(buf.String(), "no progress within stall timeout") {
		t.Error("expected a stall warning in the logs")
	}
}

func TestDestroyDeletesProjectRow(t *testing.T) {
	st := newTestStore(t)
	eng := newGateEngine()
	w := NewWorker(testWorkerEnv(eng), st, discardLogger(), 16, time.Minute)
	w.Start(1)
	defer w.Close()

	p := model.NewProject("svc-a", "svc-a:latest", false)
	p.Phase = model.PhaseDestroying
	p.ContainerID = "ctr-1"
	if err := st.SaveProject(context.Background(), p); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}

	tk := New(p)
	if err := w.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, tk)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.LoadProject(context.Background(), "svc-a"); errors.Is(err, store.ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("destroyed project row was not deleted")
}

func TestOrchestratorSubmitCancelCurrentState(t *testing.T) {
	st := newTestStore(t)
	eng := newGateEngine()
	o := NewOrchestrator(testWorkerEnv(eng), st, discardLogger(), Options{
		DriveLoops:    2,
		QueueCapacity: 16,
		StallTimeout:  time.Minute,
	})
	defer o.Close()

	tk, err := o.Submit(context.Background(), model.NewProject("svc-a", "svc-a:latest", false))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, tk)

	p, err := o.CurrentState(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if p.Phase != model.PhaseRunning {
		t.Errorf("phase = %s, want %s", p.Phase, model.PhaseRunning)
	}

	// The finished task is no longer cancellable.
	deadline := time.Now().Add(2 * time.Second)
	for o.Cancel("svc-a") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if o.Cancel("svc-a") {
		t.Error("Cancel found a task after completion")
	}
	if o.Cancel("unknown") {
		t.Error("Cancel(unknown) = true, want false")
	}
}
