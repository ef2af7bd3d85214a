package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/aristath/autopilot/internal/scheduler"
)

func TestRunLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := mustCreate(t, store, scheduler.TaskDraft{Title: "work"})

	runID, err := store.CreateRun(ctx, task.ID, scheduler.RunStart{Agent: "claude", Model: "opus", PID: 77})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run, err := store.GetLatestRun(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetLatestRun: %v", err)
	}
	if run.ID != runID || run.Status != scheduler.RunRunning || run.PID != 77 || run.Finished() {
		t.Errorf("fresh run = %+v", run)
	}
	if run.ExitCode != nil {
		t.Errorf("ExitCode = %d before finalize, want nil", *run.ExitCode)
	}

	code := 0
	if err := store.UpdateRun(ctx, runID, scheduler.RunUpdate{
		Status:     scheduler.RunSuccess,
		EndedAt:    store.now(),
		ExitCode:   &code,
		Cost:       0.31,
		SessionID:  "sess",
		Output:     "all good",
		OutputPath: "/tmp/out.log",
	}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	run, err = store.GetLatestRun(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetLatestRun: %v", err)
	}
	if run.Status != scheduler.RunSuccess || !run.Finished() || run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("finalized run = %+v", run)
	}
	if run.Cost != 0.31 || run.SessionID != "sess" || run.Output != "all good" || run.OutputPath != "/tmp/out.log" {
		t.Errorf("finalized run details = %+v", run)
	}

	if err := store.UpdateRun(ctx, "missing", scheduler.RunUpdate{Status: scheduler.RunFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLatestRunWins(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := mustCreate(t, store, scheduler.TaskDraft{Title: "work"})

	if _, err := store.GetLatestRun(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLatestRun with no runs error = %v, want ErrNotFound", err)
	}

	first, _ := store.CreateRun(ctx, task.ID, scheduler.RunStart{ID: "run-1", Agent: "a"})
	second, _ := store.CreateRun(ctx, task.ID, scheduler.RunStart{ID: "run-2", Agent: "a"})

	if err := store.UpdateLatestRun(ctx, task.ID, scheduler.RunUpdate{Status: scheduler.RunInterrupted}); err != nil {
		t.Fatalf("UpdateLatestRun: %v", err)
	}

	runs, err := store.ListRuns(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != first || runs[1].ID != second {
		t.Fatalf("ListRuns() = %v", runs)
	}
	if runs[0].Status != scheduler.RunRunning || runs[1].Status != scheduler.RunInterrupted {
		t.Errorf("statuses = %s/%s, want running/interrupted", runs[0].Status, runs[1].Status)
	}
}

func TestCleanupOrphanedRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	orphaned := mustCreate(t, store, scheduler.TaskDraft{Title: "orphaned"})
	living := mustCreate(t, store, scheduler.TaskDraft{Title: "living"})
	finished := mustCreate(t, store, scheduler.TaskDraft{Title: "finished"})

	for id, pid := range map[string]int{orphaned.ID: 101, living.ID: 202, finished.ID: 303} {
		if err := store.Start(ctx, id); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := store.Update(ctx, id, scheduler.TaskUpdate{ActivePID: scheduler.IntPtr(pid)}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if _, err := store.CreateRun(ctx, id, scheduler.RunStart{Agent: "a", PID: pid}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := store.UpdateLatestRun(ctx, finished.ID, scheduler.RunUpdate{Status: scheduler.RunFailed, EndedAt: store.now()}); err != nil {
		t.Fatalf("UpdateLatestRun: %v", err)
	}

	isAlive := func(pid int) bool { return pid == 202 }
	n, err := store.CleanupOrphanedRuns(ctx, isAlive)
	if err != nil {
		t.Fatalf("CleanupOrphanedRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("closed %d runs, want 1", n)
	}

	run, _ := store.GetLatestRun(ctx, orphaned.ID)
	if run.Status != scheduler.RunAbandoned || !run.Finished() {
		t.Errorf("orphaned run = %s finished=%v, want abandoned", run.Status, run.Finished())
	}
	task, _ := store.Find(ctx, orphaned.ID)
	if task.Status != scheduler.TaskOpen || task.ActivePID != 0 {
		t.Errorf("orphaned task status=%s pid=%d, want open/0", task.Status, task.ActivePID)
	}

	task, _ = store.Find(ctx, living.ID)
	if task.Status != scheduler.TaskInProgress {
		t.Errorf("living task status = %s, want in_progress", task.Status)
	}

	// A finalized run leaves its task failed for the operator.
	failed, err := store.Failed(ctx, isAlive, nil)
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != finished.ID {
		t.Errorf("Failed() = %s, want %s", ids(failed), finished.ID)
	}

	if n, _ := store.CleanupOrphanedRuns(ctx, isAlive); n != 0 {
		t.Errorf("second cleanup closed %d runs, want 0", n)
	}
}
