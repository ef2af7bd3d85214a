package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/autopilot/internal/scheduler"
)

const runColumns = `id, task_id, agent, model, pid, status, started_at, ended_at, exit_code, cost, session_id, output, output_path`

func scanRun(scan func(dest ...any) error) (*scheduler.Run, error) {
	run := &scheduler.Run{}
	var started int64
	var ended, exitCode sql.NullInt64
	err := scan(&run.ID, &run.TaskID, &run.Agent, &run.Model, &run.PID, &run.Status, &started,
		&ended, &exitCode, &run.Cost, &run.SessionID, &run.Output, &run.OutputPath)
	if err != nil {
		return nil, err
	}
	run.StartedAt = fromMillis(started)
	if ended.Valid {
		run.EndedAt = fromMillis(ended.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	return run, nil
}

// CreateRun records the start of a run and returns its ID.
func (s *SQLiteStore) CreateRun(ctx context.Context, taskID string, start scheduler.RunStart) (string, error) {
	id := start.ID
	if id == "" {
		id = uuid.NewString()
	}
	startedAt := start.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}

	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, task_id, agent, model, pid, status, started_at, session_id, output_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, taskID, start.Agent, start.Model, start.PID, scheduler.RunRunning,
			startedAt.UnixMilli(), start.SessionID, start.OutputPath)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRun applies u to the run with the given ID.
func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, u scheduler.RunUpdate) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return updateRun(ctx, tx, runID, u)
	})
}

// UpdateLatestRun applies u to the most recent run of a task.
func (s *SQLiteStore) UpdateLatestRun(ctx context.Context, taskID string, u scheduler.RunUpdate) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var runID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM runs WHERE task_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1
		`, taskID).Scan(&runID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run for task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query latest run: %w", err)
		}
		return updateRun(ctx, tx, runID, u)
	})
}

func updateRun(ctx context.Context, tx *sql.Tx, runID string, u scheduler.RunUpdate) error {
	var sets []string
	var args []any
	if u.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, u.Status)
	}
	if !u.EndedAt.IsZero() {
		sets = append(sets, "ended_at = ?")
		args = append(args, u.EndedAt.UnixMilli())
	}
	if u.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *u.ExitCode)
	}
	if u.Cost != 0 {
		sets = append(sets, "cost = ?")
		args = append(args, u.Cost)
	}
	if u.SessionID != "" {
		sets = append(sets, "session_id = ?")
		args = append(args, u.SessionID)
	}
	if u.Output != "" {
		sets = append(sets, "output = ?")
		args = append(args, u.Output)
	}
	if u.OutputPath != "" {
		sets = append(sets, "output_path = ?")
		args = append(args, u.OutputPath)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, runID)

	res, err := tx.ExecContext(ctx, `UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetLatestRun returns the most recent run of a task.
func (s *SQLiteStore) GetLatestRun(ctx context.Context, taskID string) (*scheduler.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1
	`, taskID)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	return run, nil
}

// ListRuns returns every run of a task, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, taskID string) ([]*scheduler.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at ASC, rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []*scheduler.Run{}
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// CleanupOrphanedRuns closes running runs whose process is gone as abandoned
// and reopens their in_progress tasks. Returns the number of runs closed.
func (s *SQLiteStore) CleanupOrphanedRuns(ctx context.Context, isAlive func(pid int) bool) (int, error) {
	closed := 0
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		type orphan struct {
			runID, taskID string
			pid           int
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, task_id, pid FROM runs WHERE status = ?`, scheduler.RunRunning)
		if err != nil {
			return fmt.Errorf("failed to query running runs: %w", err)
		}
		var orphans []orphan
		for rows.Next() {
			var o orphan
			if err := rows.Scan(&o.runID, &o.taskID, &o.pid); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan run: %w", err)
			}
			if !isAlive(o.pid) {
				orphans = append(orphans, o)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating runs: %w", err)
		}
		rows.Close()

		now := s.nowMillis()
		for _, o := range orphans {
			if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
				scheduler.RunAbandoned, now, o.runID); err != nil {
				return fmt.Errorf("failed to abandon run %s: %w", o.runID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'open', active_pid = 0, updated_at = ?
				WHERE id = ? AND status = 'in_progress' AND (active_pid = 0 OR active_pid = ?)
			`, now, o.taskID, o.pid); err != nil {
				return fmt.Errorf("failed to reopen task %s: %w", o.taskID, err)
			}
		}
		closed = len(orphans)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return closed, nil
}
