package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/review"
	"github.com/aristath/autopilot/internal/scheduler"
)

// errWorkspace marks failures to prepare a task's worktree.
var errWorkspace = errors.New("workspace unavailable")

// promptData is the value the prompt template is executed against.
type promptData struct {
	Task    *scheduler.Task
	Agent   string
	Attempt int
	WorkDir string
}

// selectAndSpawn re-sorts the ready snapshot and tries every candidate in
// order. It returns how many runs were started and how many tasks were ready.
func (o *Orchestrator) selectAndSpawn(ctx context.Context) (spawned, ready int) {
	tasks, err := o.ready.get(ctx, o.store, o.now())
	if err != nil {
		log.Printf("ERROR: failed to load ready tasks: %v", err)
		return 0, 0
	}
	if len(tasks) == 0 {
		return 0, 0
	}

	active := make(map[string]bool)
	for _, p := range o.sup.ActiveProcesses() {
		active[p.TaskID] = true
	}

	for _, task := range scheduler.SortByScore(tasks) {
		if o.stopping(ctx) {
			break
		}
		if active[task.ID] || task.ActivePID != 0 {
			continue
		}

		err := o.spawn(ctx, task)
		if err == nil {
			active[task.ID] = true
			spawned++
			continue
		}

		var cfgErr *config.ConfigurationError
		var spawnErr *backend.SpawnError
		switch {
		case errors.As(err, &cfgErr), errors.Is(err, errWorkspace):
			o.logOnce(task.ID, err)
		case errors.As(err, &spawnErr):
			// Capacity and backoff are expected every tick.
			if spawnErr.Reason != backend.ReasonAtCapacity && spawnErr.Reason != backend.ReasonBackoff {
				log.Printf("ERROR: %v", err)
			}
		default:
			log.Printf("ERROR: failed to start task %s: %v", task.ID, err)
		}
	}
	return spawned, len(tasks)
}

// logOnce logs a routing or workspace error once per task until it changes.
func (o *Orchestrator) logOnce(taskID string, err error) {
	msg := err.Error()
	if o.configErrs[taskID] == msg {
		return
	}
	o.configErrs[taskID] = msg
	log.Printf("ERROR: task %s: %v", taskID, err)
}

// resolveAgent picks the task's agent override or routes by complexity.
func (o *Orchestrator) resolveAgent(task *scheduler.Task) (string, error) {
	if task.Agent != "" {
		if !o.sup.HasAgent(task.Agent) {
			return "", &config.ConfigurationError{
				Field: "task " + task.ID + " agent",
				Msg:   fmt.Sprintf("unknown agent %q", task.Agent),
			}
		}
		return task.Agent, nil
	}
	agent, err := o.agents.AgentForComplexity(task.Complexity)
	if err != nil {
		return "", err
	}
	if !o.sup.HasAgent(agent) {
		return "", &config.ConfigurationError{
			Field: "routing",
			Msg:   fmt.Sprintf("agent %q has no launcher", agent),
		}
	}
	return agent, nil
}

// spawn starts one run of task and records it in the store.
func (o *Orchestrator) spawn(ctx context.Context, task *scheduler.Task) error {
	agent, err := o.resolveAgent(task)
	if err != nil {
		return err
	}
	delete(o.configErrs, task.ID)

	if !o.health.IsAvailable(agent) {
		return &backend.SpawnError{Reason: backend.ReasonBackoff, Agent: agent, TaskID: task.ID}
	}
	if !o.sup.CanSpawn(agent) {
		return &backend.SpawnError{Reason: backend.ReasonAtCapacity, Agent: agent, TaskID: task.ID}
	}

	workDir, err := o.workDir(ctx, task)
	if err != nil {
		return err
	}

	attempt := o.retries[task.ID] + 1
	prompt, err := o.renderPrompt(task, agent, attempt, workDir)
	if err != nil {
		return err
	}

	// Retries resume the agent's previous session when it reported one.
	var sessionID string
	if attempt > 1 {
		if last, err := o.runs.GetLatestRun(ctx, task.ID); err == nil && last.Agent == agent {
			sessionID = last.SessionID
		}
	}

	runID := uuid.NewString()
	proc, err := o.sup.Spawn(ctx, backend.SpawnRequest{
		Task:      task,
		Agent:     agent,
		Prompt:    prompt,
		WorkDir:   workDir,
		RunID:     runID,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}

	// The process is running from here on. Store failures are logged and the
	// completion still reconciles the task when it is polled.
	o.storeOp(ctx, "start "+task.ID, func(ctx context.Context) error {
		return o.store.Start(ctx, task.ID)
	})
	o.storeOp(ctx, "record pid of "+task.ID, func(ctx context.Context) error {
		return o.store.Update(ctx, task.ID, scheduler.TaskUpdate{ActivePID: scheduler.IntPtr(proc.PID)})
	})
	o.storeOp(ctx, "create run for "+task.ID, func(ctx context.Context) error {
		_, err := o.runs.CreateRun(ctx, task.ID, scheduler.RunStart{
			ID:         runID,
			Agent:      agent,
			Model:      o.agents.AgentModel(agent),
			PID:        proc.PID,
			SessionID:  sessionID,
			OutputPath: proc.StdoutPath,
			StartedAt:  proc.StartedAt,
		})
		return err
	})
	o.ready.invalidate()

	log.Printf("Started task %s on %s (run %s, pid %d, attempt %d)", task.ID, agent, shortRunID(runID), proc.PID, attempt)
	o.rec.RunStarted(agent)
	o.rec.SetActive(agent, o.sup.ActiveCountFor(agent))
	o.bus.Publish(events.TopicTask, events.TaskSpawnedEvent{
		ID:        task.ID,
		Title:     task.Title,
		Agent:     agent,
		RunID:     runID,
		PID:       proc.PID,
		Attempt:   attempt,
		Timestamp: o.now(),
	})
	return nil
}

// workDir returns the checkout a run of task works in. Review tasks share
// the worktree of the task under review.
func (o *Orchestrator) workDir(ctx context.Context, task *scheduler.Task) (string, error) {
	if o.ws == nil {
		return o.cfg.WorkDir, nil
	}
	id := task.ID
	if reviewed := review.ReviewedTaskID(task); reviewed != "" {
		id = reviewed
	}
	info, err := o.ws.Ensure(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w for %s: %v", errWorkspace, task.ID, err)
	}
	return info.Path, nil
}

func (o *Orchestrator) renderPrompt(task *scheduler.Task, agent string, attempt int, workDir string) (string, error) {
	var b strings.Builder
	err := o.prompt.Execute(&b, promptData{
		Task:    task,
		Agent:   agent,
		Attempt: attempt,
		WorkDir: workDir,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt for %s: %w", task.ID, err)
	}
	return b.String(), nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
