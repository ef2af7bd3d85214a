package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/health"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/review"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/worktree"
)

// fakeSupervisor tracks spawned runs in memory. Tests finish runs explicitly
// and the next Poll reports them.
type fakeSupervisor struct {
	limits     map[string]int
	procs      []*backend.ManagedProcess
	finished   []completion.Result
	spawned    []backend.SpawnRequest
	nextPID    int
	shutdown   atomic.Bool
	terminated bool
	start      time.Time
}

func newFakeSupervisor(limits map[string]int) *fakeSupervisor {
	return &fakeSupervisor{
		limits:  limits,
		nextPID: 4000,
		start:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeSupervisor) HasAgent(name string) bool {
	_, ok := f.limits[name]
	return ok
}

func (f *fakeSupervisor) CanSpawn(agent string) bool {
	limit, ok := f.limits[agent]
	return ok && f.ActiveCountFor(agent) < limit
}

func (f *fakeSupervisor) Spawn(ctx context.Context, req backend.SpawnRequest) (*backend.ManagedProcess, error) {
	if !f.CanSpawn(req.Agent) {
		return nil, &backend.SpawnError{Reason: backend.ReasonAtCapacity, Agent: req.Agent, TaskID: req.Task.ID}
	}
	f.nextPID++
	f.spawned = append(f.spawned, req)
	p := &backend.ManagedProcess{
		TaskID:     req.Task.ID,
		RunID:      req.RunID,
		Agent:      req.Agent,
		PID:        f.nextPID,
		StartedAt:  f.start,
		SessionID:  req.SessionID,
		StdoutPath: "/tmp/" + req.RunID + ".stdout.log",
	}
	f.procs = append(f.procs, p)
	return p, nil
}

// finish marks the live run of taskID as exited with the given outcome.
func (f *fakeSupervisor) finish(t *testing.T, taskID string, typ completion.Type, exitCode int, output string) {
	t.Helper()
	for i, p := range f.procs {
		if p.TaskID != taskID {
			continue
		}
		f.procs = append(f.procs[:i], f.procs[i+1:]...)
		f.finished = append(f.finished, completion.Result{
			TaskID:     p.TaskID,
			RunID:      p.RunID,
			Agent:      p.Agent,
			PID:        p.PID,
			ExitCode:   exitCode,
			Type:       typ,
			SessionID:  "session-" + p.RunID,
			Cost:       0.25,
			Output:     output,
			OutputPath: p.StdoutPath,
			StartedAt:  p.StartedAt,
			Duration:   3 * time.Second,
		})
		return
	}
	t.Fatalf("no live run for task %s", taskID)
}

func (f *fakeSupervisor) Poll() []completion.Result {
	out := f.finished
	f.finished = nil
	return out
}

func (f *fakeSupervisor) ActiveCount() int { return len(f.procs) }

func (f *fakeSupervisor) ActiveCountFor(agent string) int {
	n := 0
	for _, p := range f.procs {
		if p.Agent == agent {
			n++
		}
	}
	return n
}

func (f *fakeSupervisor) ActiveProcesses() []*backend.ManagedProcess {
	return append([]*backend.ManagedProcess(nil), f.procs...)
}

func (f *fakeSupervisor) TrackedPIDs() []int {
	var pids []int
	for _, p := range f.procs {
		pids = append(pids, p.PID)
	}
	return pids
}

func (f *fakeSupervisor) IsShuttingDown() bool { return f.shutdown.Load() }

// Terminate kills every live run with exit code -1.
func (f *fakeSupervisor) Terminate(ctx context.Context, grace time.Duration) error {
	f.terminated = true
	for len(f.procs) > 0 {
		p := f.procs[0]
		f.procs = f.procs[1:]
		f.finished = append(f.finished, completion.Result{
			TaskID:    p.TaskID,
			RunID:     p.RunID,
			Agent:     p.Agent,
			PID:       p.PID,
			ExitCode:  -1,
			Type:      completion.Failed,
			StartedAt: p.StartedAt,
		})
	}
	return nil
}

// failingReview is a review service that is always down.
type failingReview struct{ calls int }

func (r *failingReview) TriggerReview(context.Context, string, string) error {
	r.calls++
	return errors.New("review queue offline")
}

func (r *failingReview) PendingReviews(context.Context) ([]string, error) { return nil, nil }

func (r *failingReview) IsReviewComplete(context.Context, string) (bool, error) {
	return false, review.ErrNoReview
}

func (r *failingReview) ReviewResult(context.Context, string) (*review.Result, error) {
	return nil, review.ErrNoReview
}

// fakeWorkspaces hands out a directory per task and records landings.
type fakeWorkspaces struct {
	root    string
	ensured []string
	landed  []string
	landErr error
}

func (w *fakeWorkspaces) Ensure(ctx context.Context, taskID string) (*worktree.Info, error) {
	w.ensured = append(w.ensured, taskID)
	return &worktree.Info{Path: filepath.Join(w.root, taskID), Branch: "autopilot/" + taskID, TaskID: taskID}, nil
}

func (w *fakeWorkspaces) Land(ctx context.Context, taskID string) error {
	if w.landErr != nil {
		return w.landErr
	}
	w.landed = append(w.landed, taskID)
	return nil
}

// lostCommitStore reports an error for the first creates even though the
// task was stored.
type lostCommitStore struct {
	TaskStore
	failures int
}

func (s *lostCommitStore) Create(ctx context.Context, draft scheduler.TaskDraft) (*scheduler.Task, error) {
	task, err := s.TaskStore.Create(ctx, draft)
	if err == nil && s.failures > 0 {
		s.failures--
		return nil, errors.New("context deadline exceeded")
	}
	return task, err
}

// recordingBus keeps every published event.
type recordingBus struct {
	events []events.Event
}

func (b *recordingBus) Publish(topic string, e events.Event) {
	b.events = append(b.events, e)
}

func (b *recordingBus) count(eventType string) int {
	n := 0
	for _, e := range b.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

// backoffRecorder keeps the last backoff reported per agent.
type backoffRecorder struct {
	metrics.Recorder
	backoff map[string]int
}

func (r *backoffRecorder) SetBackoff(agent string, seconds int) {
	r.backoff[agent] = seconds
}

// manualClock is advanced by tests.
type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	orch   *Orchestrator
	store  *persistence.SQLiteStore
	sup    *fakeSupervisor
	health *health.Tracker
	clock  *manualClock
	bus    *recordingBus
	cfg    *config.OrchestratorConfig
}

func testConfig() *config.OrchestratorConfig {
	return &config.OrchestratorConfig{
		Providers: map[string]config.ProviderConfig{
			"sh": {Command: "sh", Type: "command"},
		},
		Agents: map[string]config.AgentConfig{
			"worker":   {Provider: "sh", Concurrency: 1, MaxAttempts: 3},
			"fast":     {Provider: "sh", Concurrency: 2, MaxAttempts: 2},
			"reviewer": {Provider: "sh", Concurrency: 1, MaxAttempts: 2},
		},
		Routing: config.RoutingConfig{
			Default:    "worker",
			Complexity: map[string]string{"trivial": "fast"},
		},
	}
}

// newHarness wires an orchestrator over an in-memory store and a fake
// supervisor. rev may be nil.
func newHarness(t *testing.T, rev func(store *persistence.SQLiteStore) ReviewService) *harness {
	t.Helper()

	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tracker := health.NewTracker(health.DefaultPolicy())
	tracker.SetClock(clock.Now)

	h := &harness{
		store:  store,
		sup:    newFakeSupervisor(map[string]int{"worker": 1, "fast": 2, "reviewer": 1}),
		health: tracker,
		clock:  clock,
		bus:    &recordingBus{},
		cfg:    testConfig(),
	}

	deps := Deps{
		Store:      store,
		Runs:       store,
		Agents:     h.cfg,
		Supervisor: h.sup,
		Health:     tracker,
		Bus:        h.bus,
		IsAlive:    func(pid int) bool { return slices.Contains(h.sup.TrackedPIDs(), pid) },
		Now:        clock.Now,
	}
	if rev != nil {
		deps.Review = rev(store)
	}

	h.orch, err = New(Config{
		Tick:           10 * time.Millisecond,
		IdleInterval:   20 * time.Millisecond,
		CacheTTL:       time.Nanosecond,
		ShutdownGrace:  time.Second,
		PromptTemplate: config.DefaultPromptTemplate,
		Retry: RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsedTime:  50 * time.Millisecond,
			Multiplier:      2,
		},
	}, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T, draft scheduler.TaskDraft) *scheduler.Task {
	t.Helper()
	task, err := h.store.Create(context.Background(), draft)
	if err != nil {
		t.Fatalf("Create(%q): %v", draft.Title, err)
	}
	return task
}

func (h *harness) task(t *testing.T, id string) *scheduler.Task {
	t.Helper()
	task, err := h.store.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("Find(%s): %v", id, err)
	}
	return task
}

func (h *harness) latestRun(t *testing.T, taskID string) *scheduler.Run {
	t.Helper()
	run, err := h.store.GetLatestRun(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetLatestRun(%s): %v", taskID, err)
	}
	return run
}

// step runs one loop iteration without sleeping. The clock moves one second
// per step so caches expire.
func (h *harness) step() (spawned int) {
	ctx := context.Background()
	h.clock.Advance(time.Second)
	h.orch.pollCompletions(ctx)
	h.orch.processReviews(ctx)
	h.orch.refreshBackoff()
	spawned, _ = h.orch.selectAndSpawn(ctx)
	return spawned
}

func (h *harness) spawnedIDs() []string {
	ids := make([]string, len(h.sup.spawned))
	for i, req := range h.sup.spawned {
		ids[i] = req.Task.ID
	}
	return ids
}
