// Package orchestrator runs the control loop: it selects ready tasks, spawns
// agent processes through the supervisor, and routes every completion through
// the retry and escalation policy.
//
// The loop is single-threaded. Health state, retry counters and the ready
// cache are owned by the goroutine calling Run and are never locked.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"text/template"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/health"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/scheduler"
)

// Labels applied by the loop.
const (
	LabelAutoCompleted      = "auto-completed"
	LabelRetriesExhausted   = "retries-exhausted"
	LabelNeedsConfiguration = "needs-configuration"
	LabelBlockedAgentPrefix = "blocked-agent:"
	LabelMergeConflict      = "merge-conflict"
)

// waitSlice is how often sleeps re-check shutdown and pause.
const waitSlice = 100 * time.Millisecond

// Config holds loop timing and prompt settings.
type Config struct {
	Tick           time.Duration // Sleep between iterations (default 500ms)
	IdleInterval   time.Duration // Sleep when nothing is ready or running (default 5s)
	CacheTTL       time.Duration // Ready snapshot lifetime (default 5s)
	ShutdownGrace  time.Duration // SIGTERM to SIGKILL delay (default 10s)
	PromptTemplate string        // text/template rendered against the task
	WorkDir        string        // Working directory for agent processes
	Retry          RetryConfig
	Breaker        BreakerConfig
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.PromptTemplate == "" {
		c.PromptTemplate = "{{.Task.Title}}\n\n{{.Task.Description}}\n"
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
	if c.Breaker == (BreakerConfig{}) {
		c.Breaker = DefaultBreakerConfig()
	}
}

// Deps are the collaborators of the loop. Store, Runs, Agents and Supervisor
// are required; the rest have defaults.
type Deps struct {
	Store      TaskStore
	Runs       RunLog
	Agents     AgentConfig
	Supervisor Supervisor
	Health     *health.Tracker
	Review     ReviewService // nil disables review; successful tasks are auto-completed
	Workspaces Workspaces    // nil runs every task in Config.WorkDir
	Bus        events.Publisher
	Metrics    metrics.Recorder
	Pause      PauseSource
	IsAlive    func(pid int) bool // Defaults to backend.IsProcessAlive
	Now        func() time.Time
}

// Orchestrator is the control loop.
type Orchestrator struct {
	cfg    Config
	store  TaskStore
	runs   RunLog
	agents AgentConfig
	sup    Supervisor
	health *health.Tracker
	review ReviewService
	ws     Workspaces
	bus    events.Publisher
	rec    metrics.Recorder
	pause  PauseSource
	alive  func(pid int) bool
	now    func() time.Time

	prompt  *template.Template
	breaker *gobreaker.CircuitBreaker

	ready         readyCache
	retries       map[string]int    // task ID -> reopens so far
	configErrs    map[string]string // task ID -> last logged routing or workspace error
	reviewChecked time.Time
	state         events.LoopState
}

// New creates an orchestrator. It fails on missing collaborators or an
// invalid prompt template.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Runs == nil || deps.Agents == nil || deps.Supervisor == nil {
		return nil, errors.New("orchestrator: store, run log, agent config and supervisor are required")
	}
	cfg.applyDefaults()

	prompt, err := template.New("prompt").Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(cfg.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		runs:       deps.Runs,
		agents:     deps.Agents,
		sup:        deps.Supervisor,
		health:     deps.Health,
		review:     deps.Review,
		ws:         deps.Workspaces,
		bus:        deps.Bus,
		rec:        deps.Metrics,
		pause:      deps.Pause,
		alive:      deps.IsAlive,
		now:        deps.Now,
		prompt:     prompt,
		breaker:    newBreaker("review", cfg.Breaker),
		retries:    make(map[string]int),
		configErrs: make(map[string]string),
	}
	if o.health == nil {
		o.health = health.NewTracker(health.DefaultPolicy())
	}
	if o.bus == nil {
		o.bus = events.Discard
	}
	if o.rec == nil {
		o.rec = metrics.Nop
	}
	if o.alive == nil {
		o.alive = backend.IsProcessAlive
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.ready.ttl = cfg.CacheTTL
	return o, nil
}

// Health returns the tracker owned by the loop. Only read it from the
// goroutine running Run, or after Run has returned.
func (o *Orchestrator) Health() *health.Tracker {
	return o.health
}

// Run executes startup recovery and then the loop until shutdown is requested
// through the supervisor or ctx is cancelled. It returns nil after a graceful
// shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(events.LoopRecovering)
	o.recover(ctx)

	for {
		if o.stopping(ctx) {
			return o.shutdown(ctx)
		}

		o.pollCompletions(ctx)
		o.processReviews(ctx)
		o.refreshBackoff()

		paused := o.paused()
		spawned, ready := 0, 0
		if !paused {
			spawned, ready = o.selectAndSpawn(ctx)
		}

		switch {
		case paused:
			o.setState(events.LoopPaused)
			o.wait(ctx, o.cfg.Tick, paused)
		case spawned == 0 && ready == 0 && o.sup.ActiveCount() == 0:
			o.setState(events.LoopIdle)
			o.wait(ctx, o.cfg.IdleInterval, paused)
		default:
			o.setState(events.LoopRunning)
			o.wait(ctx, o.cfg.Tick, paused)
		}
	}
}

// recover closes runs orphaned by a previous instance and reports the tasks
// that are left failed.
func (o *Orchestrator) recover(ctx context.Context) {
	closed, err := o.runs.CleanupOrphanedRuns(ctx, o.alive)
	if err != nil {
		log.Printf("ERROR: orphaned run cleanup failed: %v", err)
	} else if closed > 0 {
		log.Printf("Recovered %d orphaned run(s)", closed)
	}

	failed, err := o.store.Failed(ctx, o.alive, o.sup.TrackedPIDs())
	if err != nil {
		log.Printf("ERROR: failed to list failed tasks: %v", err)
		return
	}
	if len(failed) > 0 {
		ids := make([]string, len(failed))
		for i, t := range failed {
			ids[i] = t.ID
		}
		log.Printf("WARNING: %d task(s) need attention: %s", len(failed), strings.Join(ids, ", "))
	}
}

// refreshBackoff republishes every agent's remaining backoff, which shrinks
// with time rather than with completions.
func (o *Orchestrator) refreshBackoff() {
	for _, r := range o.health.Snapshot() {
		o.rec.SetBackoff(r.Agent, r.BackoffSeconds)
	}
}

func (o *Orchestrator) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || o.sup.IsShuttingDown()
}

func (o *Orchestrator) paused() bool {
	return o.pause != nil && o.pause.Paused()
}

// wait sleeps for d in short slices, returning early on shutdown or when the
// pause state differs from wasPaused.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration, wasPaused bool) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for remaining := d; remaining > 0; remaining -= waitSlice {
		timer.Reset(min(waitSlice, remaining))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if o.sup.IsShuttingDown() || o.paused() != wasPaused {
			return
		}
	}
}

func (o *Orchestrator) setState(state events.LoopState) {
	if o.state == state {
		return
	}
	o.state = state
	o.bus.Publish(events.TopicLoop, events.LoopStateEvent{
		State:     state,
		Active:    o.sup.ActiveCount(),
		Timestamp: o.now(),
	})
}

// shutdown terminates live processes and closes their runs as interrupted.
// Interrupted tasks are reopened without touching retries or health.
func (o *Orchestrator) shutdown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	o.setState(events.LoopShuttingDown)

	// Runs that finished before the signal get normal handling.
	o.pollCompletions(ctx)

	if o.sup.ActiveCount() > 0 {
		log.Printf("Shutting down: terminating %d process(es)", o.sup.ActiveCount())
		if err := o.sup.Terminate(ctx, o.cfg.ShutdownGrace); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}

	for _, res := range o.sup.Poll() {
		exitCode := res.ExitCode
		o.storeOp(ctx, "interrupt run "+res.RunID, func(ctx context.Context) error {
			return o.runs.UpdateRun(ctx, res.RunID, scheduler.RunUpdate{
				Status:     scheduler.RunInterrupted,
				EndedAt:    o.now(),
				ExitCode:   &exitCode,
				Cost:       res.Cost,
				SessionID:  res.SessionID,
				Output:     res.Output,
				OutputPath: res.OutputPath,
			})
		})
		o.releaseTask(ctx, res.TaskID)
		o.storeOp(ctx, "reopen "+res.TaskID, func(ctx context.Context) error {
			return o.reopenIfActive(ctx, res.TaskID)
		})
		o.rec.SetActive(res.Agent, o.sup.ActiveCountFor(res.Agent))
	}

	for _, p := range o.sup.ActiveProcesses() {
		log.Printf("WARNING: run %s (pid %d) still running, left for recovery", p.RunID, p.PID)
	}

	o.setState(events.LoopStopped)
	return nil
}

// storeOp runs a store write with retries and logs the final failure.
func (o *Orchestrator) storeOp(ctx context.Context, what string, op func(ctx context.Context) error) bool {
	if err := withRetry(ctx, o.cfg.Retry, op); err != nil {
		log.Printf("ERROR: failed to %s: %v", what, err)
		return false
	}
	return true
}

// releaseTask clears the task's active process.
func (o *Orchestrator) releaseTask(ctx context.Context, taskID string) {
	o.storeOp(ctx, "clear process of "+taskID, func(ctx context.Context) error {
		return o.store.Update(ctx, taskID, scheduler.TaskUpdate{ActivePID: scheduler.IntPtr(0)})
	})
	o.ready.invalidate()
}

// reopenIfActive reopens the task unless it was closed or sent to review
// while the agent was running.
func (o *Orchestrator) reopenIfActive(ctx context.Context, taskID string) error {
	task, err := o.store.Find(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != scheduler.TaskOpen && task.Status != scheduler.TaskInProgress {
		return nil
	}
	return o.store.Reopen(ctx, taskID)
}

// readyCache holds the last Ready() snapshot for ttl.
type readyCache struct {
	ttl     time.Duration
	tasks   []*scheduler.Task
	fetched time.Time
	valid   bool
}

func (c *readyCache) get(ctx context.Context, store TaskStore, now time.Time) ([]*scheduler.Task, error) {
	if c.valid && now.Sub(c.fetched) < c.ttl {
		return c.tasks, nil
	}
	tasks, err := store.Ready(ctx)
	if err != nil {
		return nil, err
	}
	c.tasks, c.fetched, c.valid = tasks, now, true
	return tasks, nil
}

func (c *readyCache) invalidate() {
	c.valid = false
	c.tasks = nil
}
