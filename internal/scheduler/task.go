package scheduler

import "time"

// TaskStatus represents the lifecycle state of a task in the store.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"        // Waiting to be picked up
	TaskInProgress TaskStatus = "in_progress" // Claimed by an agent (or left failed)
	TaskReview     TaskStatus = "review"      // Handed to the review collaborator
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskReview, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// Closed reports whether the status resolves dependents.
func (s TaskStatus) Closed() bool {
	return s == TaskDone || s == TaskCancelled
}

// Complexity is the author's estimate of how hard a task is.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Size is the author's estimate of how much work a task is.
type Size string

const (
	SizeXS Size = "xs"
	SizeS  Size = "s"
	SizeM  Size = "m"
	SizeL  Size = "l"
	SizeXL Size = "xl"
)

// Priority bounds. 0 is the most urgent.
const (
	MinPriority = 0
	MaxPriority = 4
)

// Task represents a unit of work owned by the task store.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      TaskStatus
	Priority    int
	Complexity  Complexity
	Size        Size
	BlockedBy   []string // Task IDs this task waits on
	Labels      []string
	Agent       string // Optional agent override; empty means route by complexity
	Consumed    bool   // Excluded from automatic selection
	ActivePID   int    // PID of the in-flight run, 0 when none
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.BlockedBy != nil {
		cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	}
	if t.Labels != nil {
		cp.Labels = append([]string(nil), t.Labels...)
	}
	return &cp
}

// TaskDraft holds the fields of a task about to be created.
type TaskDraft struct {
	Title       string
	Description string
	Priority    int
	Complexity  Complexity
	Size        Size
	Labels      []string
	BlockedBy   []string
	Agent       string
	Consumed    bool
}

// TaskUpdate is a partial update. Nil fields are left untouched.
type TaskUpdate struct {
	Status      *TaskStatus
	ActivePID   *int
	Agent       *string
	Consumed    *bool
	Description *string
	AddLabels   []string
}

// StatusPtr returns a pointer to s, for building a TaskUpdate.
func StatusPtr(s TaskStatus) *TaskStatus { return &s }

// IntPtr returns a pointer to n, for building a TaskUpdate.
func IntPtr(n int) *int { return &n }
