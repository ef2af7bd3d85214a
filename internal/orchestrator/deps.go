package orchestrator

import (
	"context"
	"time"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/review"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/worktree"
)

// TaskStore is the task side of the store the loop drives.
type TaskStore interface {
	Find(ctx context.Context, idOrPrefix string) (*scheduler.Task, error)
	Ready(ctx context.Context) ([]*scheduler.Task, error)
	Failed(ctx context.Context, isAlive func(pid int) bool, excludePIDs []int) ([]*scheduler.Task, error)
	Start(ctx context.Context, id string) error
	Reopen(ctx context.Context, id string) error
	Update(ctx context.Context, id string, u scheduler.TaskUpdate) error
	Create(ctx context.Context, draft scheduler.TaskDraft) (*scheduler.Task, error)
	AddDependency(ctx context.Context, taskID, blockerID string) error
	TasksWithLabel(ctx context.Context, label string) ([]*scheduler.Task, error)
}

// RunLog records one row per agent run.
type RunLog interface {
	CreateRun(ctx context.Context, taskID string, start scheduler.RunStart) (string, error)
	UpdateRun(ctx context.Context, runID string, u scheduler.RunUpdate) error
	UpdateLatestRun(ctx context.Context, taskID string, u scheduler.RunUpdate) error
	GetLatestRun(ctx context.Context, taskID string) (*scheduler.Run, error)
	CleanupOrphanedRuns(ctx context.Context, isAlive func(pid int) bool) (int, error)
}

// AgentConfig resolves agents and their retry budgets.
type AgentConfig interface {
	AgentForComplexity(c scheduler.Complexity) (string, error)
	AgentMaxAttempts(name string) int
	AgentModel(name string) string
	AgentNames() []string
}

// ReviewService hands successful work to a reviewer. Optional.
type ReviewService interface {
	TriggerReview(ctx context.Context, taskID, author string) error
	PendingReviews(ctx context.Context) ([]string, error)
	IsReviewComplete(ctx context.Context, taskID string) (bool, error)
	ReviewResult(ctx context.Context, taskID string) (*review.Result, error)
}

// Supervisor is the process side of the loop. *backend.Supervisor satisfies it.
type Supervisor interface {
	HasAgent(name string) bool
	CanSpawn(agent string) bool
	Spawn(ctx context.Context, req backend.SpawnRequest) (*backend.ManagedProcess, error)
	Poll() []completion.Result
	ActiveCount() int
	ActiveCountFor(agent string) int
	ActiveProcesses() []*backend.ManagedProcess
	TrackedPIDs() []int
	IsShuttingDown() bool
	Terminate(ctx context.Context, grace time.Duration) error
}

// Workspaces gives each task its own checkout. Optional; without it every
// run works in Config.WorkDir.
type Workspaces interface {
	Ensure(ctx context.Context, taskID string) (*worktree.Info, error)
	Land(ctx context.Context, taskID string) error
}

// PauseSource reports whether new work is paused.
type PauseSource interface {
	Paused() bool
}

var (
	_ Supervisor    = (*backend.Supervisor)(nil)
	_ ReviewService = (*review.TaskReviewer)(nil)
	_ Workspaces    = (*worktree.Manager)(nil)
)
