package events

import (
	"time"

	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/health"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicAgent = "agent"
	TopicLoop  = "loop"
)

// Event type constants
const (
	EventTypeTaskSpawned       = "task.spawned"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskRetried       = "task.retried"
	EventTypeTaskEscalated     = "task.escalated"
	EventTypeTaskAutoCompleted = "task.auto_completed"
	EventTypeReviewTriggered   = "review.triggered"
	EventTypeReviewFinished    = "review.finished"
	EventTypeAgentHealth       = "agent.health"
	EventTypeLoopState         = "loop.state"
)

// TaskSpawnedEvent is published when an agent process starts on a task.
type TaskSpawnedEvent struct {
	ID        string
	Title     string
	Agent     string
	RunID     string
	PID       int
	Attempt   int // 1-based
	Timestamp time.Time
}

func (e TaskSpawnedEvent) EventType() string { return EventTypeTaskSpawned }
func (e TaskSpawnedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published for every finished run, whatever its outcome.
type TaskCompletedEvent struct {
	ID        string
	Agent     string
	RunID     string
	Outcome   completion.Type
	ExitCode  int
	Cost      float64
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskRetriedEvent is published when a failed task is reopened for another attempt.
type TaskRetriedEvent struct {
	ID          string
	Agent       string
	Attempt     int // Attempts used so far
	MaxAttempts int
	Reason      completion.Type
	Timestamp   time.Time
}

func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }
func (e TaskRetriedEvent) TaskID() string    { return e.ID }

// Escalation reasons.
const (
	EscalationRetriesExhausted   = "retries-exhausted"
	EscalationNeedsConfiguration = "needs-configuration"
	EscalationMergeConflict      = "merge-conflict"
)

// TaskEscalatedEvent is published when a task needs a human.
type TaskEscalatedEvent struct {
	ID        string
	Agent     string
	Reason    string
	BlockerID string // Set for needs-configuration escalations
	Timestamp time.Time
}

func (e TaskEscalatedEvent) EventType() string { return EventTypeTaskEscalated }
func (e TaskEscalatedEvent) TaskID() string    { return e.ID }

// TaskAutoCompletedEvent is published when a successful task is closed without review.
type TaskAutoCompletedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskAutoCompletedEvent) EventType() string { return EventTypeTaskAutoCompleted }
func (e TaskAutoCompletedEvent) TaskID() string    { return e.ID }

// ReviewTriggeredEvent is published when a task is handed to review.
type ReviewTriggeredEvent struct {
	ID        string
	Timestamp time.Time
}

func (e ReviewTriggeredEvent) EventType() string { return EventTypeReviewTriggered }
func (e ReviewTriggeredEvent) TaskID() string    { return e.ID }

// ReviewFinishedEvent is published when a review verdict has been applied.
type ReviewFinishedEvent struct {
	ID        string
	Passed    bool
	FollowUps []string
	Timestamp time.Time
}

func (e ReviewFinishedEvent) EventType() string { return EventTypeReviewFinished }
func (e ReviewFinishedEvent) TaskID() string    { return e.ID }

// AgentHealthEvent carries an agent's health after a completion.
type AgentHealthEvent struct {
	Report    health.Report
	Timestamp time.Time
}

func (e AgentHealthEvent) EventType() string { return EventTypeAgentHealth }
func (e AgentHealthEvent) TaskID() string    { return "" }

// LoopState names the phases of the orchestrator loop.
type LoopState string

const (
	LoopRecovering   LoopState = "recovering"
	LoopRunning      LoopState = "running"
	LoopIdle         LoopState = "idle"
	LoopPaused       LoopState = "paused"
	LoopShuttingDown LoopState = "shutting_down"
	LoopStopped      LoopState = "stopped"
)

// LoopStateEvent is published when the loop changes phase.
type LoopStateEvent struct {
	State     LoopState
	Active    int
	Timestamp time.Time
}

func (e LoopStateEvent) EventType() string { return EventTypeLoopState }
func (e LoopStateEvent) TaskID() string    { return "" }
