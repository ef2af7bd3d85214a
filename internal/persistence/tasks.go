package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/autopilot/internal/scheduler"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// maxInList caps the number of IDs bound into one IN clause.
const maxInList = 500

const taskColumns = `id, title, description, status, priority, complexity, size, agent, consumed, active_pid, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var consumed int
	var created, updated int64
	err := scan(&task.ID, &task.Title, &task.Description, &task.Status, &task.Priority,
		&task.Complexity, &task.Size, &task.Agent, &consumed, &task.ActivePID, &created, &updated)
	if err != nil {
		return nil, err
	}
	task.Consumed = consumed != 0
	task.CreatedAt = fromMillis(created)
	task.UpdatedAt = fromMillis(updated)
	return task, nil
}

// queryTasks runs a task query and attaches labels and blockers to the result.
func queryTasks(ctx context.Context, q queryer, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []*scheduler.Task{}
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	if err := attachRelations(ctx, q, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// attachRelations loads labels and blockers for tasks in two queries.
func attachRelations(ctx context.Context, q queryer, tasks []*scheduler.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		t.BlockedBy = []string{}
		t.Labels = []string{}
		byID[t.ID] = t
	}

	// Small result sets filter by ID; large ones scan the whole table.
	filter, args := "", []any{}
	if len(tasks) <= maxInList {
		placeholders := make([]string, len(tasks))
		for i, t := range tasks {
			placeholders[i] = "?"
			args = append(args, t.ID)
		}
		filter = " WHERE task_id IN (" + strings.Join(placeholders, ",") + ")"
	}

	load := func(query string, attach func(t *scheduler.Task, value string)) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var taskID, value string
			if err := rows.Scan(&taskID, &value); err != nil {
				return err
			}
			if t, ok := byID[taskID]; ok {
				attach(t, value)
			}
		}
		return rows.Err()
	}

	err := load(`SELECT task_id, blocker_id FROM task_dependencies`+filter+` ORDER BY task_id, blocker_id`,
		func(t *scheduler.Task, v string) { t.BlockedBy = append(t.BlockedBy, v) })
	if err != nil {
		return fmt.Errorf("failed to load dependencies: %w", err)
	}

	err = load(`SELECT task_id, label FROM task_labels`+filter+` ORDER BY task_id, label`,
		func(t *scheduler.Task, v string) { t.Labels = append(t.Labels, v) })
	if err != nil {
		return fmt.Errorf("failed to load labels: %w", err)
	}
	return nil
}

func getTask(ctx context.Context, q queryer, id string) (*scheduler.Task, error) {
	tasks, err := queryTasks(ctx, q, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return tasks[0], nil
}

// Find returns the task with the given ID, or the single task whose ID starts
// with the given prefix.
func (s *SQLiteStore) Find(ctx context.Context, idOrPrefix string) (*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if idOrPrefix == "" {
		return nil, fmt.Errorf("empty task id: %w", ErrNotFound)
	}

	task, err := getTask(ctx, s.db, idOrPrefix)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(idOrPrefix)
	tasks, err := queryTasks(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escaped+"%")
	if err != nil {
		return nil, err
	}
	switch len(tasks) {
	case 0:
		return nil, fmt.Errorf("task %s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return tasks[0], nil
	default:
		return nil, fmt.Errorf("task prefix %s: %w", idOrPrefix, ErrAmbiguousID)
	}
}

// ListTasks returns all tasks ordered by creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
}

// Ready returns open, unconsumed tasks with no active process whose blockers
// are all done or cancelled. A blocker row pointing nowhere keeps the task blocked.
func (s *SQLiteStore) Ready(ctx context.Context) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryTasks(ctx, s.db, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'open' AND t.consumed = 0 AND t.active_pid = 0
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			LEFT JOIN tasks b ON b.id = d.blocker_id
			WHERE d.task_id = t.id
			AND (b.id IS NULL OR b.status NOT IN ('done', 'cancelled'))
		)
		ORDER BY t.created_at, t.id
	`)
}

// Failed returns in_progress tasks that no longer have a live process:
// ActivePID is 0, or it is neither alive nor one of excludePIDs.
func (s *SQLiteStore) Failed(ctx context.Context, isAlive func(pid int) bool, excludePIDs []int) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tasks, err := queryTasks(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'in_progress' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}

	excluded := make(map[int]bool, len(excludePIDs))
	for _, pid := range excludePIDs {
		excluded[pid] = true
	}

	failed := []*scheduler.Task{}
	for _, t := range tasks {
		if t.ActivePID == 0 || (!excluded[t.ActivePID] && !isAlive(t.ActivePID)) {
			failed = append(failed, t)
		}
	}
	return failed, nil
}

// Create inserts a new open task and returns it.
func (s *SQLiteStore) Create(ctx context.Context, draft scheduler.TaskDraft) (*scheduler.Task, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return nil, errors.New("task title is required")
	}
	if draft.Priority < scheduler.MinPriority || draft.Priority > scheduler.MaxPriority {
		return nil, fmt.Errorf("priority %d out of range %d..%d", draft.Priority, scheduler.MinPriority, scheduler.MaxPriority)
	}

	id := newTaskID()
	var created *scheduler.Task
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := s.nowMillis()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, status, priority, complexity, size, agent, consumed, active_pid, created_at, updated_at)
			VALUES (?, ?, ?, 'open', ?, ?, ?, ?, ?, 0, ?, ?)
		`, id, draft.Title, draft.Description, draft.Priority, draft.Complexity, draft.Size,
			draft.Agent, boolInt(draft.Consumed), now, now)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		if err := insertLabels(ctx, tx, id, draft.Labels); err != nil {
			return err
		}

		for _, blockerID := range draft.BlockedBy {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, blockerID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("blocker %s: %w", blockerID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to check blocker existence: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO task_dependencies (task_id, blocker_id) VALUES (?, ?)`, id, blockerID); err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", blockerID, id, err)
			}
		}

		created, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Start moves an open task to in_progress.
func (s *SQLiteStore) Start(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, scheduler.TaskInProgress, false)
}

// Reopen moves a task back to open and clears its active process.
func (s *SQLiteStore) Reopen(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, scheduler.TaskOpen, true)
}

func (s *SQLiteStore) setStatus(ctx context.Context, id string, status scheduler.TaskStatus, clearPID bool) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`
		if clearPID {
			query = `UPDATE tasks SET status = ?, active_pid = 0, updated_at = ? WHERE id = ?`
		}
		res, err := tx.ExecContext(ctx, query, status, s.nowMillis(), id)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		return requireRow(res, id)
	})
}

// Update applies a partial update to a task.
func (s *SQLiteStore) Update(ctx context.Context, id string, u scheduler.TaskUpdate) error {
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("invalid task status %q", *u.Status)
	}

	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		sets := []string{"updated_at = ?"}
		args := []any{s.nowMillis()}
		if u.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, *u.Status)
		}
		if u.ActivePID != nil {
			sets = append(sets, "active_pid = ?")
			args = append(args, *u.ActivePID)
		}
		if u.Agent != nil {
			sets = append(sets, "agent = ?")
			args = append(args, *u.Agent)
		}
		if u.Consumed != nil {
			sets = append(sets, "consumed = ?")
			args = append(args, boolInt(*u.Consumed))
		}
		if u.Description != nil {
			sets = append(sets, "description = ?")
			args = append(args, *u.Description)
		}
		args = append(args, id)

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		if err := requireRow(res, id); err != nil {
			return err
		}
		return insertLabels(ctx, tx, id, u.AddLabels)
	})
}

// AddDependency blocks taskID on blockerID. The edge is rejected if it
// would make the dependency graph cyclic.
func (s *SQLiteStore) AddDependency(ctx context.Context, taskID, blockerID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tasks, err := queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks`)
		if err != nil {
			return err
		}

		dag := scheduler.NewDAG()
		for _, t := range tasks {
			if err := dag.AddTask(t); err != nil {
				return err
			}
		}
		if err := dag.AddDependency(taskID, blockerID); err != nil {
			return fmt.Errorf("cannot block %s on %s: %w", taskID, blockerID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, blocker_id) VALUES (?, ?)`, taskID, blockerID); err != nil {
			return fmt.Errorf("failed to insert dependency: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, s.nowMillis(), taskID)
		return err
	})
}

// TasksWithLabel returns tasks carrying label, ordered by creation time.
func (s *SQLiteStore) TasksWithLabel(ctx context.Context, label string) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryTasks(ctx, s.db, `
		SELECT `+taskColumns+` FROM tasks
		WHERE id IN (SELECT task_id FROM task_labels WHERE label = ?)
		ORDER BY created_at, id
	`, label)
}

func insertLabels(ctx context.Context, tx *sql.Tx, taskID string, labels []string) error {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	for _, label := range sorted {
		if label == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_labels (task_id, label) VALUES (?, ?)`, taskID, label); err != nil {
			return fmt.Errorf("failed to add label %q: %w", label, err)
		}
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// newTaskID returns "t-" followed by 8 hex characters.
func newTaskID() string {
	return "t-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
