package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// DAG is the dependency graph between tasks, used to vet new edges before
// they are stored. An edge blocker -> task means the task cannot start until
// the blocker is closed. A DAG is not safe for concurrent use.
type DAG struct {
	tasks map[string]*Task
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{tasks: make(map[string]*Task)}
}

// AddTask adds a copy of task. Returns error if the ID already exists.
func (d *DAG) AddTask(task *Task) error {
	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}
	d.tasks[task.ID] = task.Clone()
	return nil
}

// AddDependency records that taskID is blocked by blockerID.
// The edge is rolled back if it would introduce a cycle.
func (d *DAG) AddDependency(taskID, blockerID string) error {
	task, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q not found", taskID)
	}
	if _, ok := d.tasks[blockerID]; !ok {
		return fmt.Errorf("blocker %q not found", blockerID)
	}
	if slices.Contains(task.BlockedBy, blockerID) {
		return nil
	}

	task.BlockedBy = append(task.BlockedBy, blockerID)
	if _, err := d.Validate(); err != nil {
		task.BlockedBy = task.BlockedBy[:len(task.BlockedBy)-1]
		return fmt.Errorf("adding %s -> %s: %w", blockerID, taskID, err)
	}
	return nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs or error if cycle detected.
// Also verifies all task IDs in BlockedBy exist in the DAG.
func (d *DAG) Validate() ([]string, error) {
	for taskID, task := range d.tasks {
		for _, blockerID := range task.BlockedBy {
			if blockerID == taskID {
				return nil, fmt.Errorf("dependency graph contains cycle: task %q blocks itself", taskID)
			}
			if _, exists := d.tasks[blockerID]; !exists {
				return nil, fmt.Errorf("task %q is blocked by non-existent task %q", taskID, blockerID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, task := range d.tasks {
		if len(task.BlockedBy) == 0 {
			// Edge from nil keeps unconnected tasks in the output
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, blockerID := range task.BlockedBy {
			edges = append(edges, toposort.Edge{blockerID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		missing := []string{}
		for taskID := range d.tasks {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
