package orchestrator

import (
	"context"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/health"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/review"
	"github.com/aristath/autopilot/internal/scheduler"
)

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("New without collaborators should fail")
	}
}

func TestNewRejectsBadTemplate(t *testing.T) {
	h := newHarness(t, nil)
	_, err := New(Config{PromptTemplate: "{{.Task.Title"}, Deps{
		Store:      h.store,
		Runs:       h.store,
		Agents:     h.cfg,
		Supervisor: h.sup,
	})
	if err == nil {
		t.Error("New with an unparsable template should fail")
	}
}

func TestSelectionRespectsScoreAndCapacity(t *testing.T) {
	h := newHarness(t, nil)

	// worker takes one task at a time, fast takes two.
	a := h.create(t, scheduler.TaskDraft{Title: "a", Priority: 1, Complexity: scheduler.ComplexityTrivial, Size: scheduler.SizeXS})
	b := h.create(t, scheduler.TaskDraft{Title: "b", Priority: 0, Complexity: scheduler.ComplexityComplex, Size: scheduler.SizeM})
	c := h.create(t, scheduler.TaskDraft{Title: "c", Priority: 0, Complexity: scheduler.ComplexitySimple, Size: scheduler.SizeS})

	if n := h.step(); n != 2 {
		t.Fatalf("first step spawned %d, want 2", n)
	}
	if got, want := h.spawnedIDs(), []string{c.ID, a.ID}; !reflect.DeepEqual(got, want) {
		t.Fatalf("spawn order = %v, want %v", got, want)
	}
	if h.sup.spawned[0].Agent != "worker" || h.sup.spawned[1].Agent != "fast" {
		t.Errorf("agents = %s, %s; want worker, fast", h.sup.spawned[0].Agent, h.sup.spawned[1].Agent)
	}

	running := h.task(t, c.ID)
	if running.Status != scheduler.TaskInProgress || running.ActivePID == 0 {
		t.Errorf("spawned task: status %s pid %d, want in_progress with a pid", running.Status, running.ActivePID)
	}
	run := h.latestRun(t, c.ID)
	if run.Status != scheduler.RunRunning || run.Agent != "worker" || run.PID != running.ActivePID {
		t.Errorf("run = %+v, want running on worker with pid %d", run, running.ActivePID)
	}
	if !strings.Contains(h.sup.spawned[0].Prompt, c.ID) {
		t.Errorf("prompt %q does not mention the task", h.sup.spawned[0].Prompt)
	}

	// b stays queued until worker has a free slot.
	if n := h.step(); n != 0 {
		t.Errorf("step at capacity spawned %d", n)
	}

	h.sup.finish(t, c.ID, completion.Success, 0, "done")
	if n := h.step(); n != 1 {
		t.Fatalf("step after completion spawned %d, want 1", n)
	}
	if got := h.spawnedIDs(); got[len(got)-1] != b.ID {
		t.Errorf("last spawned = %s, want %s", got[len(got)-1], b.ID)
	}
}

func TestHigherPriorityBeatsSimplerTask(t *testing.T) {
	h := newHarness(t, nil)

	// Score 100 vs score 32, both forced onto the single worker slot.
	easy := h.create(t, scheduler.TaskDraft{Title: "easy", Priority: 1, Complexity: scheduler.ComplexityTrivial, Size: scheduler.SizeXS, Agent: "worker"})
	urgent := h.create(t, scheduler.TaskDraft{Title: "urgent", Priority: 0, Complexity: scheduler.ComplexityComplex, Size: scheduler.SizeM})

	h.step()
	if got := h.spawnedIDs(); !reflect.DeepEqual(got, []string{urgent.ID}) {
		t.Errorf("spawned %v, want only %s (not %s)", got, urgent.ID, easy.ID)
	}
}

func TestSuccessWithoutReviewAutoCompletes(t *testing.T) {
	h := newHarness(t, nil)
	task := h.create(t, scheduler.TaskDraft{Title: "write docs"})

	h.step()
	h.sup.finish(t, task.ID, completion.Success, 0, `{"session_id":"s-1"}`)
	h.step()

	got := h.task(t, task.ID)
	if got.Status != scheduler.TaskDone {
		t.Errorf("status = %s, want done", got.Status)
	}
	if !got.HasLabel(LabelAutoCompleted) {
		t.Errorf("labels = %v, want %q", got.Labels, LabelAutoCompleted)
	}
	if got.ActivePID != 0 {
		t.Errorf("ActivePID = %d, want 0", got.ActivePID)
	}

	run := h.latestRun(t, task.ID)
	if run.Status != scheduler.RunSuccess || run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("run = %+v, want success with exit 0", run)
	}
	if run.Cost != 0.25 || run.SessionID == "" || run.EndedAt.IsZero() {
		t.Errorf("run not finalized: %+v", run)
	}
	if r := h.health.Status("worker"); r.TotalRuns != 1 || r.SuccessRate != 1 {
		t.Errorf("health = %+v, want one successful run", r)
	}
	if n := h.bus.count(events.EventTypeTaskAutoCompleted); n != 1 {
		t.Errorf("auto-completed events = %d, want 1", n)
	}
}

func TestSuccessOnClosedTaskIsBookkeepingOnly(t *testing.T) {
	h := newHarness(t, nil)
	task := h.create(t, scheduler.TaskDraft{Title: "self-closing"})
	ctx := context.Background()

	h.step()
	if err := h.store.Update(ctx, task.ID, scheduler.TaskUpdate{Status: scheduler.StatusPtr(scheduler.TaskDone)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	h.sup.finish(t, task.ID, completion.Success, 0, "")
	h.step()

	got := h.task(t, task.ID)
	if got.Status != scheduler.TaskDone || got.HasLabel(LabelAutoCompleted) {
		t.Errorf("task = %s %v, want done without auto-complete label", got.Status, got.Labels)
	}
	if h.latestRun(t, task.ID).Status != scheduler.RunSuccess {
		t.Error("run not finalized")
	}
	if r := h.health.Status("worker"); r.TotalRuns != 1 {
		t.Errorf("health TotalRuns = %d, want 1", r.TotalRuns)
	}
}

func TestFailedRetryBudget(t *testing.T) {
	h := newHarness(t, nil)
	task := h.create(t, scheduler.TaskDraft{Title: "flaky"})
	ctx := context.Background()

	// worker has max_attempts 3: two reopens, then escalation.
	for attempt := 1; attempt <= 3; attempt++ {
		h.clock.Advance(time.Hour)
		if n := h.step(); n != 1 {
			t.Fatalf("attempt %d: spawned %d, want 1", attempt, n)
		}
		h.sup.finish(t, task.ID, completion.Failed, 1, "panic: nil map")
		h.step()

		got := h.task(t, task.ID)
		if attempt < 3 && got.Status != scheduler.TaskOpen {
			t.Fatalf("attempt %d: status = %s, want open", attempt, got.Status)
		}
	}

	if len(h.sup.spawned) != 3 {
		t.Errorf("spawned %d times, want 3", len(h.sup.spawned))
	}
	if h.sup.spawned[0].SessionID != "" {
		t.Errorf("first attempt resumed session %q", h.sup.spawned[0].SessionID)
	}
	if !strings.HasPrefix(h.sup.spawned[1].SessionID, "session-") {
		t.Errorf("retry did not resume the previous session: %q", h.sup.spawned[1].SessionID)
	}

	got := h.task(t, task.ID)
	if got.Status != scheduler.TaskInProgress || got.ActivePID != 0 {
		t.Errorf("exhausted task: status %s pid %d, want in_progress without a pid", got.Status, got.ActivePID)
	}
	if !got.HasLabel(LabelRetriesExhausted) {
		t.Errorf("labels = %v, want %q", got.Labels, LabelRetriesExhausted)
	}

	failed, err := h.store.Failed(ctx, func(int) bool { return false }, nil)
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != task.ID {
		t.Errorf("Failed() = %v, want [%s]", failed, task.ID)
	}

	h.clock.Advance(time.Hour)
	if n := h.step(); n != 0 {
		t.Errorf("exhausted task was spawned again")
	}
	if n := h.bus.count(events.EventTypeTaskRetried); n != 2 {
		t.Errorf("retried events = %d, want 2", n)
	}
	if n := h.bus.count(events.EventTypeTaskEscalated); n != 1 {
		t.Errorf("escalated events = %d, want 1", n)
	}
}

func TestNetworkErrorReopensAndBacksOff(t *testing.T) {
	h := newHarness(t, nil)
	task := h.create(t, scheduler.TaskDraft{Title: "fetch deps"})

	h.step()
	h.sup.finish(t, task.ID, completion.NetworkError, 1, "dial tcp: connection refused")
	if n := h.step(); n != 0 {
		t.Errorf("agent in backoff was given a task")
	}

	if got := h.task(t, task.ID); got.Status != scheduler.TaskOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
	if run := h.latestRun(t, task.ID); run.Status != scheduler.RunNetworkError {
		t.Errorf("run status = %s, want network_error", run.Status)
	}

	r := h.health.Status("worker")
	if r.ConsecutiveFailures != 1 || r.BackoffSeconds == 0 {
		t.Errorf("health = %+v, want one failure with backoff", r)
	}

	h.clock.Advance(time.Hour)
	if n := h.step(); n != 1 {
		t.Errorf("task not retried after backoff, spawned %d", n)
	}
}

func TestNetworkErrorRetryBudget(t *testing.T) {
	h := newHarness(t, nil)
	task := h.create(t, scheduler.TaskDraft{Title: "fetch deps"})

	// worker has max_attempts 3: two reopens, then escalation.
	for attempt := 1; attempt <= 3; attempt++ {
		h.clock.Advance(time.Hour)
		if n := h.step(); n != 1 {
			t.Fatalf("attempt %d: spawned %d, want 1", attempt, n)
		}
		h.sup.finish(t, task.ID, completion.NetworkError, 1, "dial tcp: connection refused")
		h.step()

		got := h.task(t, task.ID)
		if attempt < 3 && got.Status != scheduler.TaskOpen {
			t.Fatalf("attempt %d: status = %s, want open", attempt, got.Status)
		}
	}

	got := h.task(t, task.ID)
	if got.Status != scheduler.TaskInProgress || got.ActivePID != 0 {
		t.Errorf("exhausted task: status %s pid %d, want in_progress without a pid", got.Status, got.ActivePID)
	}
	if !got.HasLabel(LabelRetriesExhausted) {
		t.Errorf("labels = %v, want %q", got.Labels, LabelRetriesExhausted)
	}
	if n := h.bus.count(events.EventTypeTaskRetried); n != 2 {
		t.Errorf("retried events = %d, want 2", n)
	}
	if n := h.bus.count(events.EventTypeTaskEscalated); n != 1 {
		t.Errorf("escalated events = %d, want 1", n)
	}

	h.clock.Advance(time.Hour)
	if n := h.step(); n != 0 {
		t.Errorf("exhausted task was spawned again (%d)", n)
	}
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		typ  completion.Type
		want health.FailureKind
	}{
		{completion.Failed, health.FailureCrash},
		{completion.NetworkError, health.FailureNetwork},
		{completion.PermissionBlocked, health.FailurePermission},
	}
	for _, tt := range tests {
		if got := failureKind(tt.typ); got != tt.want {
			t.Errorf("failureKind(%s) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestBackoffGaugeDecays(t *testing.T) {
	h := newHarness(t, nil)
	rec := &backoffRecorder{Recorder: metrics.Nop, backoff: make(map[string]int)}
	h.orch.rec = rec
	task := h.create(t, scheduler.TaskDraft{Title: "fetch deps"})

	h.step()
	h.sup.finish(t, task.ID, completion.NetworkError, 1, "connection reset by peer")
	h.step()
	if rec.backoff["worker"] == 0 {
		t.Fatalf("backoff gauge = 0 after a failure, want > 0")
	}

	h.clock.Advance(time.Hour)
	h.step()
	if got := rec.backoff["worker"]; got != 0 {
		t.Errorf("backoff gauge = %d after the window elapsed, want 0", got)
	}
}

func TestPermissionBlockedEscalates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := h.create(t, scheduler.TaskDraft{Title: "a", Complexity: scheduler.ComplexityTrivial})
	b := h.create(t, scheduler.TaskDraft{Title: "b", Complexity: scheduler.ComplexityTrivial})

	h.step()
	h.sup.finish(t, a.ID, completion.PermissionBlocked, 1, "Claude requested permission to use Bash")
	h.sup.finish(t, b.ID, completion.PermissionBlocked, 1, "tool use was denied")
	h.step()

	blockers, err := h.store.TasksWithLabel(ctx, LabelBlockedAgentPrefix+"fast")
	if err != nil {
		t.Fatalf("TasksWithLabel: %v", err)
	}
	if len(blockers) != 1 {
		t.Fatalf("got %d configuration tasks, want 1 shared task", len(blockers))
	}
	cfgTask := blockers[0]
	if cfgTask.Priority != 0 || !cfgTask.Consumed || !cfgTask.HasLabel(LabelNeedsConfiguration) {
		t.Errorf("configuration task = %+v", cfgTask)
	}
	if !strings.Contains(cfgTask.Description, "permission to use Bash") {
		t.Errorf("description lacks the output tail: %q", cfgTask.Description)
	}

	for _, id := range []string{a.ID, b.ID} {
		got := h.task(t, id)
		if got.Status != scheduler.TaskOpen || !slices.Contains(got.BlockedBy, cfgTask.ID) {
			t.Errorf("task %s: status %s blocked by %v, want open blocked by %s", id, got.Status, got.BlockedBy, cfgTask.ID)
		}
	}

	ready, err := h.store.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("Ready() = %v, want nothing while configuration is pending", ready)
	}

	r := h.health.Status("fast")
	if r.ConsecutiveFailures != 0 || r.BackoffSeconds != 0 || r.PermissionBlocks != 2 {
		t.Errorf("health = %+v, want no backoff and 2 permission blocks", r)
	}

	if err := h.store.Update(ctx, cfgTask.ID, scheduler.TaskUpdate{Status: scheduler.StatusPtr(scheduler.TaskDone)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n := h.step(); n != 2 {
		t.Errorf("after configuration, spawned %d, want 2", n)
	}
}

func TestConfigurationTaskNotDuplicatedOnRetriedCreate(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.store = &lostCommitStore{TaskStore: h.store, failures: 1}
	ctx := context.Background()

	task := h.create(t, scheduler.TaskDraft{Title: "deploy", Complexity: scheduler.ComplexityTrivial})
	h.step()
	h.sup.finish(t, task.ID, completion.PermissionBlocked, 1, "tool use was denied")
	h.step()

	blockers, err := h.store.TasksWithLabel(ctx, LabelBlockedAgentPrefix+"fast")
	if err != nil {
		t.Fatalf("TasksWithLabel: %v", err)
	}
	if len(blockers) != 1 {
		t.Fatalf("got %d configuration tasks, want 1", len(blockers))
	}

	got := h.task(t, task.ID)
	if !slices.Contains(got.BlockedBy, blockers[0].ID) {
		t.Errorf("BlockedBy = %v, want %s", got.BlockedBy, blockers[0].ID)
	}
	if got.Status != scheduler.TaskOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
}

func TestPermissionBlockClearsRetries(t *testing.T) {
	h := newHarness(t, nil)
	task := h.create(t, scheduler.TaskDraft{Title: "deploy"})

	h.step()
	h.sup.finish(t, task.ID, completion.Failed, 1, "boom")
	h.step()
	if h.orch.retries[task.ID] != 1 {
		t.Fatalf("retries = %d, want 1", h.orch.retries[task.ID])
	}

	h.clock.Advance(time.Hour)
	h.step()
	h.sup.finish(t, task.ID, completion.PermissionBlocked, 1, "requires approval")
	h.step()

	if _, ok := h.orch.retries[task.ID]; ok {
		t.Error("permission block should clear the retry counter")
	}
}

func TestReviewPassed(t *testing.T) {
	h := newHarness(t, func(store *persistence.SQLiteStore) ReviewService {
		return review.NewTaskReviewer(store, "reviewer")
	})
	ctx := context.Background()
	task := h.create(t, scheduler.TaskDraft{Title: "feature", Complexity: scheduler.ComplexityModerate})

	h.step()
	h.sup.finish(t, task.ID, completion.Success, 0, "")
	h.step()

	if got := h.task(t, task.ID); got.Status != scheduler.TaskReview {
		t.Fatalf("status = %s, want review", got.Status)
	}
	reviews, err := h.store.TasksWithLabel(ctx, review.LabelReviewOfPrefix+task.ID)
	if err != nil || len(reviews) != 1 {
		t.Fatalf("review tasks = %v, %v; want one", reviews, err)
	}
	rt := reviews[0]

	// The review task is picked up by the reviewer in the same step.
	if got := h.spawnedIDs(); got[len(got)-1] != rt.ID || h.sup.spawned[len(got)-1].Agent != "reviewer" {
		t.Fatalf("review task not spawned on reviewer: %v", got)
	}

	h.sup.finish(t, rt.ID, completion.Success, 0, "LGTM")
	h.step()

	if got := h.task(t, task.ID); got.Status != scheduler.TaskDone || got.HasLabel(LabelAutoCompleted) {
		t.Errorf("reviewed task = %s %v, want done by review", got.Status, got.Labels)
	}
	if n := h.bus.count(events.EventTypeReviewFinished); n != 1 {
		t.Errorf("review finished events = %d, want 1", n)
	}
}

func TestReviewChangesRequested(t *testing.T) {
	h := newHarness(t, func(store *persistence.SQLiteStore) ReviewService {
		return review.NewTaskReviewer(store, "reviewer")
	})
	ctx := context.Background()
	task := h.create(t, scheduler.TaskDraft{Title: "feature"})

	h.step()
	h.sup.finish(t, task.ID, completion.Success, 0, "")
	h.step()

	reviews, err := h.store.TasksWithLabel(ctx, review.LabelReviewOfPrefix+task.ID)
	if err != nil || len(reviews) != 1 {
		t.Fatalf("review tasks = %v, %v; want one", reviews, err)
	}
	rt := reviews[0]

	// The reviewer asks for changes while its run is live.
	followUp := h.create(t, scheduler.TaskDraft{
		Title:  "handle empty input",
		Labels: []string{review.LabelFollowUpPrefix + task.ID},
	})
	if err := h.store.Update(ctx, rt.ID, scheduler.TaskUpdate{AddLabels: []string{review.LabelChangesRequested}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	h.sup.finish(t, rt.ID, completion.Success, 0, "")
	h.step()

	got := h.task(t, task.ID)
	if got.Status != scheduler.TaskOpen || !slices.Contains(got.BlockedBy, followUp.ID) {
		t.Errorf("task = %s blocked by %v, want open blocked by %s", got.Status, got.BlockedBy, followUp.ID)
	}
}

func TestReviewUnavailableFallsBackToAutoComplete(t *testing.T) {
	rev := &failingReview{}
	h := newHarness(t, func(*persistence.SQLiteStore) ReviewService { return rev })
	task := h.create(t, scheduler.TaskDraft{Title: "feature"})

	h.step()
	h.sup.finish(t, task.ID, completion.Success, 0, "")
	h.step()

	got := h.task(t, task.ID)
	if got.Status != scheduler.TaskDone || !got.HasLabel(LabelAutoCompleted) {
		t.Errorf("task = %s %v, want auto-completed", got.Status, got.Labels)
	}
	if rev.calls != 1 {
		t.Errorf("TriggerReview calls = %d, want 1", rev.calls)
	}
}

func TestConfigurationErrorSkipsOnlyThatTask(t *testing.T) {
	h := newHarness(t, nil)

	ghost := h.create(t, scheduler.TaskDraft{Title: "ghost", Agent: "ghost"})
	fine := h.create(t, scheduler.TaskDraft{Title: "fine", Priority: 2})

	h.step()
	if got := h.spawnedIDs(); !reflect.DeepEqual(got, []string{fine.ID}) {
		t.Errorf("spawned %v, want only %s", got, fine.ID)
	}
	if _, logged := h.orch.configErrs[ghost.ID]; !logged {
		t.Error("configuration error not recorded")
	}
	if got := h.task(t, ghost.ID); got.Status != scheduler.TaskOpen {
		t.Errorf("misrouted task status = %s, want open", got.Status)
	}
}

func TestRecoverAbandonsOrphanedRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	task := h.create(t, scheduler.TaskDraft{Title: "interrupted by crash"})

	if err := h.store.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.store.Update(ctx, task.ID, scheduler.TaskUpdate{ActivePID: scheduler.IntPtr(999999)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := h.store.CreateRun(ctx, task.ID, scheduler.RunStart{Agent: "worker", PID: 999999}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	h.orch.recover(ctx)

	if run := h.latestRun(t, task.ID); run.Status != scheduler.RunAbandoned {
		t.Errorf("run status = %s, want abandoned", run.Status)
	}
	if got := h.task(t, task.ID); got.Status != scheduler.TaskOpen || got.ActivePID != 0 {
		t.Errorf("task = %s pid %d, want open without a pid", got.Status, got.ActivePID)
	}
}

func TestShutdownInterruptsRunningTasks(t *testing.T) {
	h := newHarness(t, nil)
	task := h.create(t, scheduler.TaskDraft{Title: "long job"})

	h.step()
	h.sup.shutdown.Store(true)

	if err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.sup.terminated {
		t.Error("Terminate was not called")
	}

	if run := h.latestRun(t, task.ID); run.Status != scheduler.RunInterrupted {
		t.Errorf("run status = %s, want interrupted", run.Status)
	}
	got := h.task(t, task.ID)
	if got.Status != scheduler.TaskOpen || got.ActivePID != 0 {
		t.Errorf("task = %s pid %d, want open without a pid", got.Status, got.ActivePID)
	}
	if r := h.health.Status("worker"); r.TotalRuns != 0 {
		t.Errorf("interruption touched health: %+v", r)
	}
	if len(h.orch.retries) != 0 {
		t.Errorf("interruption touched retries: %v", h.orch.retries)
	}

	var states []events.LoopState
	for _, e := range h.bus.events {
		if s, ok := e.(events.LoopStateEvent); ok {
			states = append(states, s.State)
		}
	}
	want := []events.LoopState{events.LoopRecovering, events.LoopShuttingDown, events.LoopStopped}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("loop states = %v, want %v", states, want)
	}
}

type staticPause struct{ paused bool }

func (p staticPause) Paused() bool { return p.paused }

func TestPausedLoopDoesNotSpawn(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.pause = staticPause{paused: true}
	h.create(t, scheduler.TaskDraft{Title: "waiting"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := h.orch.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.sup.spawned) != 0 {
		t.Errorf("paused loop spawned %v", h.spawnedIDs())
	}
}

// TestRunEndToEnd drives real shell processes through the loop.
func TestRunEndToEnd(t *testing.T) {
	// A file database so the test can read while the loop writes.
	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "autopilot.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	shell, err := backend.NewLauncher(backend.LaunchConfig{Type: "command", Command: "sh", Args: []string{"-c", "{{prompt}}"}})
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}
	sup, err := backend.NewSupervisor(backend.SupervisorConfig{
		LogsDir: t.TempDir(),
		Agents:  []backend.AgentSpec{{Name: "worker", Concurrency: 2, Launcher: shell}},
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	orch, err := New(Config{
		Tick:           10 * time.Millisecond,
		IdleInterval:   20 * time.Millisecond,
		CacheTTL:       10 * time.Millisecond,
		ShutdownGrace:  2 * time.Second,
		PromptTemplate: "{{.Task.Description}}",
		WorkDir:        t.TempDir(),
	}, Deps{Store: store, Runs: store, Agents: testConfig(), Supervisor: sup})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	ok, err := store.Create(ctx, scheduler.TaskDraft{Title: "ok", Description: "echo building; exit 0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	net, err := store.Create(ctx, scheduler.TaskDraft{Title: "net", Description: "echo 'curl: (7) Failed to connect: Connection refused' >&2; exit 7"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		okTask, err1 := store.Find(ctx, ok.ID)
		netRun, err2 := store.GetLatestRun(ctx, net.ID)
		if err1 == nil && okTask.Status == scheduler.TaskDone &&
			err2 == nil && netRun.Status == scheduler.RunNetworkError {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for both runs to finish")
		}
		time.Sleep(20 * time.Millisecond)
	}

	sup.RequestShutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	if got, _ := store.Find(ctx, net.ID); got.Status != scheduler.TaskOpen {
		t.Errorf("network failure left task %s, want open", got.Status)
	}
	if r := orch.Health().Status("worker"); r.TotalRuns != 2 || r.ConsecutiveFailures != 1 {
		t.Errorf("health = %+v, want 2 runs with one failure streak", r)
	}
}
