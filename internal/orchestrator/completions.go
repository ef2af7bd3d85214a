package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/health"
	"github.com/aristath/autopilot/internal/review"
	"github.com/aristath/autopilot/internal/scheduler"
)

// outputExcerpt bounds how much agent output goes into escalation tasks.
const outputExcerpt = 2000

// pollCompletions handles every finished run in the order the supervisor
// reports them.
func (o *Orchestrator) pollCompletions(ctx context.Context) {
	for _, res := range o.sup.Poll() {
		o.handleCompletion(ctx, res)
	}
}

// handleCompletion finalizes the run, releases the task and applies the
// retry and escalation policy for the result's type.
func (o *Orchestrator) handleCompletion(ctx context.Context, res completion.Result) {
	exitCode := res.ExitCode
	o.storeOp(ctx, "finalize run "+res.RunID, func(ctx context.Context) error {
		return o.runs.UpdateRun(ctx, res.RunID, scheduler.RunUpdate{
			Status:     runStatus(res.Type),
			EndedAt:    res.StartedAt.Add(res.Duration),
			ExitCode:   &exitCode,
			Cost:       res.Cost,
			SessionID:  res.SessionID,
			Output:     res.Output,
			OutputPath: res.OutputPath,
		})
	})
	o.releaseTask(ctx, res.TaskID)

	log.Printf("Task %s finished on %s: %s (exit %d, %s)", res.TaskID, res.Agent, res.Type, res.ExitCode, res.Duration.Round(100*time.Millisecond))
	o.rec.RunFinished(res.Agent, res.Type, res.Duration)
	o.rec.SetActive(res.Agent, o.sup.ActiveCountFor(res.Agent))
	o.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        res.TaskID,
		Agent:     res.Agent,
		RunID:     res.RunID,
		Outcome:   res.Type,
		ExitCode:  res.ExitCode,
		Cost:      res.Cost,
		Duration:  res.Duration,
		Timestamp: o.now(),
	})

	task, err := o.store.Find(ctx, res.TaskID)
	if err != nil {
		log.Printf("ERROR: failed to load task %s after run %s: %v", res.TaskID, res.RunID, err)
		task = nil
	}

	switch res.Type {
	case completion.Success:
		o.health.RecordSuccess(res.Agent)
		delete(o.retries, res.TaskID)
		if task != nil {
			o.onSuccess(ctx, task, res)
		}
	case completion.Failed, completion.NetworkError, completion.PermissionBlocked:
		o.health.RecordFailure(res.Agent, failureKind(res.Type))
		if !res.Type.Retryable() {
			delete(o.retries, res.TaskID)
		}
		if task == nil {
			break
		}
		if res.Type.Retryable() {
			o.onRetryable(ctx, task, res)
		} else {
			o.onPermissionBlocked(ctx, task, res)
		}
	default:
		log.Printf("ERROR: run %s of task %s has unknown completion type %d", res.RunID, res.TaskID, int(res.Type))
	}

	report := o.health.Status(res.Agent)
	o.rec.SetBackoff(res.Agent, report.BackoffSeconds)
	o.bus.Publish(events.TopicAgent, events.AgentHealthEvent{Report: report, Timestamp: o.now()})
}

// failureKind maps a failed outcome to the kind the health tracker records.
// Outcomes that do not back off are permission blocks.
func failureKind(t completion.Type) health.FailureKind {
	switch {
	case !t.Backoff():
		return health.FailurePermission
	case t == completion.NetworkError:
		return health.FailureNetwork
	default:
		return health.FailureCrash
	}
}

func runStatus(t completion.Type) scheduler.RunStatus {
	switch t {
	case completion.Success:
		return scheduler.RunSuccess
	case completion.NetworkError:
		return scheduler.RunNetworkError
	case completion.PermissionBlocked:
		return scheduler.RunPermissionBlocked
	default:
		return scheduler.RunFailed
	}
}

func active(task *scheduler.Task) bool {
	return task.Status == scheduler.TaskOpen || task.Status == scheduler.TaskInProgress
}

// onSuccess hands a still-active task to review, falling back to
// auto-completion so a successful task never stays in_progress.
func (o *Orchestrator) onSuccess(ctx context.Context, task *scheduler.Task, res completion.Result) {
	if !active(task) {
		return
	}

	if o.review != nil && !task.HasLabel(review.LabelReview) {
		err := callThroughBreaker(o.breaker, func() error {
			return o.review.TriggerReview(ctx, task.ID, res.Agent)
		})
		if err == nil {
			log.Printf("Task %s sent to review", task.ID)
			o.ready.invalidate()
			o.bus.Publish(events.TopicTask, events.ReviewTriggeredEvent{ID: task.ID, Timestamp: o.now()})
			return
		}
		log.Printf("WARNING: review of %s unavailable, auto-completing: %v", task.ID, err)
	}

	if !task.HasLabel(review.LabelReview) && !o.land(ctx, task.ID, res.Agent) {
		return
	}

	ok := o.storeOp(ctx, "auto-complete "+task.ID, func(ctx context.Context) error {
		return o.store.Update(ctx, task.ID, scheduler.TaskUpdate{
			Status:    scheduler.StatusPtr(scheduler.TaskDone),
			AddLabels: []string{LabelAutoCompleted},
		})
	})
	if ok {
		o.ready.invalidate()
		o.bus.Publish(events.TopicTask, events.TaskAutoCompletedEvent{ID: task.ID, Timestamp: o.now()})
	}
}

// onRetryable reopens the task while the agent's attempt budget lasts and
// escalates it once the budget is spent.
func (o *Orchestrator) onRetryable(ctx context.Context, task *scheduler.Task, res completion.Result) {
	if !active(task) {
		delete(o.retries, task.ID)
		return
	}

	maxAttempts := o.agents.AgentMaxAttempts(res.Agent)
	used := o.retries[task.ID]
	if used < maxAttempts-1 {
		o.retries[task.ID] = used + 1
		o.storeOp(ctx, "reopen "+task.ID, func(ctx context.Context) error {
			return o.store.Reopen(ctx, task.ID)
		})
		o.ready.invalidate()
		log.Printf("Task %s reopened after %s (attempt %d of %d)", task.ID, res.Type, used+1, maxAttempts)
		o.bus.Publish(events.TopicTask, events.TaskRetriedEvent{
			ID:          task.ID,
			Agent:       res.Agent,
			Attempt:     used + 1,
			MaxAttempts: maxAttempts,
			Reason:      res.Type,
			Timestamp:   o.now(),
		})
		return
	}

	// Exhausted: the task stays in_progress with no process, which the
	// store reports as failed.
	delete(o.retries, task.ID)
	o.storeOp(ctx, "label "+task.ID, func(ctx context.Context) error {
		return o.store.Update(ctx, task.ID, scheduler.TaskUpdate{
			Status:    scheduler.StatusPtr(scheduler.TaskInProgress),
			AddLabels: []string{LabelRetriesExhausted},
		})
	})
	log.Printf("WARNING: task %s failed %d time(s) on %s, needs a human", task.ID, maxAttempts, res.Agent)
	o.rec.TaskEscalated(events.EscalationRetriesExhausted)
	o.bus.Publish(events.TopicTask, events.TaskEscalatedEvent{
		ID:        task.ID,
		Agent:     res.Agent,
		Reason:    events.EscalationRetriesExhausted,
		Timestamp: o.now(),
	})
}

// onPermissionBlocked blocks the task on a human configuration task and
// reopens it. One open configuration task is shared per agent.
func (o *Orchestrator) onPermissionBlocked(ctx context.Context, task *scheduler.Task, res completion.Result) {
	if !active(task) {
		return
	}

	blocker, err := o.configurationTask(ctx, task, res)
	if err != nil {
		// Left in_progress with no process for a human.
		log.Printf("ERROR: failed to escalate permission block of %s: %v", task.ID, err)
		return
	}

	blocked := o.storeOp(ctx, "block "+task.ID+" on "+blocker.ID, func(ctx context.Context) error {
		return o.store.AddDependency(ctx, task.ID, blocker.ID)
	})
	if !blocked {
		return
	}
	o.storeOp(ctx, "reopen "+task.ID, func(ctx context.Context) error {
		return o.store.Reopen(ctx, task.ID)
	})
	o.ready.invalidate()

	log.Printf("WARNING: %s was blocked by permissions on %s; waiting on %s", res.Agent, task.ID, blocker.ID)
	o.rec.TaskEscalated(events.EscalationNeedsConfiguration)
	o.bus.Publish(events.TopicTask, events.TaskEscalatedEvent{
		ID:        task.ID,
		Agent:     res.Agent,
		Reason:    events.EscalationNeedsConfiguration,
		BlockerID: blocker.ID,
		Timestamp: o.now(),
	})
}

// land merges the task's worktree before the task is closed. When that fails
// the task is left in_progress with no process, which the store reports as
// failed, and escalated.
func (o *Orchestrator) land(ctx context.Context, taskID, agent string) bool {
	if o.ws == nil {
		return true
	}
	err := o.ws.Land(ctx, taskID)
	if err == nil {
		log.Printf("Landed worktree of %s", taskID)
		return true
	}

	o.storeOp(ctx, "label "+taskID, func(ctx context.Context) error {
		return o.store.Update(ctx, taskID, scheduler.TaskUpdate{
			Status:    scheduler.StatusPtr(scheduler.TaskInProgress),
			ActivePID: scheduler.IntPtr(0),
			AddLabels: []string{LabelMergeConflict},
		})
	})
	o.ready.invalidate()
	log.Printf("WARNING: failed to land %s, needs a human: %v", taskID, err)
	o.rec.TaskEscalated(events.EscalationMergeConflict)
	o.bus.Publish(events.TopicTask, events.TaskEscalatedEvent{
		ID:        taskID,
		Agent:     agent,
		Reason:    events.EscalationMergeConflict,
		Timestamp: o.now(),
	})
	return false
}

// configurationTask returns the agent's open configuration task, creating it
// when there is none. The lookup is repeated on every attempt so a create that
// committed before reporting an error is not duplicated.
func (o *Orchestrator) configurationTask(ctx context.Context, task *scheduler.Task, res completion.Result) (*scheduler.Task, error) {
	agentLabel := LabelBlockedAgentPrefix + res.Agent

	var blocker *scheduler.Task
	err := withRetry(ctx, o.cfg.Retry, func(ctx context.Context) error {
		existing, err := o.store.TasksWithLabel(ctx, agentLabel)
		if err != nil {
			return err
		}
		for _, t := range existing {
			if !t.Status.Closed() && t.HasLabel(LabelNeedsConfiguration) {
				blocker = t
				return nil
			}
		}

		blocker, err = o.store.Create(ctx, scheduler.TaskDraft{
			Title:       fmt.Sprintf("Configure permissions for agent %s", res.Agent),
			Description: configurationDescription(task, res),
			Priority:    scheduler.MinPriority,
			Complexity:  scheduler.ComplexityTrivial,
			Size:        scheduler.SizeXS,
			Labels:      []string{LabelNeedsConfiguration, agentLabel},
			Consumed:    true,
		})
		return err
	})
	return blocker, err
}

func configurationDescription(task *scheduler.Task, res completion.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s was blocked from running a tool while working on %s (%s).\n", res.Agent, task.ID, task.Title)
	fmt.Fprintf(&b, "Grant the permission in the agent's configuration, then close this task.\n")
	if res.OutputPath != "" {
		fmt.Fprintf(&b, "\nFull output: %s\n", res.OutputPath)
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		if len(out) > outputExcerpt {
			out = out[len(out)-outputExcerpt:]
		}
		fmt.Fprintf(&b, "\nOutput tail:\n%s\n", out)
	}
	return b.String()
}
