package scheduler

import "time"

// RunStatus is the state of a single execution attempt.
type RunStatus string

const (
	RunRunning           RunStatus = "running"
	RunSuccess           RunStatus = "success"
	RunFailed            RunStatus = "failed"
	RunNetworkError      RunStatus = "network_error"
	RunPermissionBlocked RunStatus = "permission_blocked"
	RunInterrupted       RunStatus = "interrupted" // Stopped by orchestrator shutdown
	RunAbandoned         RunStatus = "abandoned"   // Process vanished while no orchestrator watched it
)

// Run is one execution attempt of a task. Created at spawn, finalized at poll.
type Run struct {
	ID         string
	TaskID     string
	Agent      string
	Model      string
	PID        int
	Status     RunStatus
	StartedAt  time.Time
	EndedAt    time.Time // Zero while running
	ExitCode   *int
	Cost       float64
	SessionID  string
	Output     string
	OutputPath string
}

// Finished reports whether the run has been finalized.
func (r *Run) Finished() bool {
	return !r.EndedAt.IsZero()
}

// RunStart describes a run at spawn time.
type RunStart struct {
	ID         string // Optional; generated when empty
	Agent      string
	Model      string
	PID        int
	SessionID  string
	OutputPath string
	StartedAt  time.Time
}

// RunUpdate finalizes or amends a run. Zero-valued fields are left untouched.
type RunUpdate struct {
	Status     RunStatus
	EndedAt    time.Time
	ExitCode   *int
	Cost       float64
	SessionID  string
	Output     string
	OutputPath string
}
