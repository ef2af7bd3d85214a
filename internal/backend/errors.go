package backend

import "fmt"

// SpawnReason says why a spawn attempt was refused.
type SpawnReason string

const (
	ReasonAtCapacity     SpawnReason = "at_capacity"
	ReasonBinaryNotFound SpawnReason = "binary_not_found"
	ReasonBackoff        SpawnReason = "backoff"
	ReasonUnknownAgent   SpawnReason = "unknown_agent"
	ReasonStartFailed    SpawnReason = "start_failed"
)

// SpawnError is a recoverable failure to start a run. The candidate task is
// skipped for the current cycle.
type SpawnError struct {
	Reason SpawnReason
	Agent  string
	TaskID string
	Err    error
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("spawn %s for task %s: %s", e.Agent, e.TaskID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
