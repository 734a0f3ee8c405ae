package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueTask inserts a scheduled task with status pending. The scheduler loop
// only ever mutates status on existing rows; enqueueing is caller territory.
func (db *DB) EnqueueTask(t *ScheduledTask) error {
	var params *string
	if t.TaskParams != nil {
		b, err := json.Marshal(t.TaskParams)
		if err != nil {
			return fmt.Errorf("encoding task params: %w", err)
		}
		s := string(b)
		params = &s
	}
	_, err := db.Exec(`
		INSERT INTO scheduled_tasks (id, task_name, task_params, run_at, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskName, params, fmtTime(t.RunAt), fmtTime(t.CreatedAt), t.Status)
	if err != nil {
		return fmt.Errorf("enqueueing task: %w", err)
	}
	return nil
}

// PendingTasks returns all pending tasks ordered by scheduled run time,
// earliest first. The store deliberately does not compare run_at against the
// clock; scheduled times may arrive without a zone and the caller owns the
// UTC normalization.
func (db *DB) PendingTasks() ([]ScheduledTask, error) {
	rows, err := db.Query(`
		SELECT id, task_name, task_params, run_at, created_at, status
		FROM scheduled_tasks WHERE status = 'pending' ORDER BY run_at`)
	if err != nil {
		return nil, fmt.Errorf("querying pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// SetTaskStatus updates a task's status. No transition validation here; the
// scheduler's call sequence is the only legal driver.
func (db *DB) SetTaskStatus(taskID, status string) error {
	_, err := db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, taskID)
	return err
}

// CancelTask cancels a task only if it is still pending, and reports whether
// the cancellation took effect. A task the loop has already claimed (running)
// or finished cannot be cancelled; losing that race is expected behavior.
func (db *DB) CancelTask(taskID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE scheduled_tasks SET status = 'cancelled'
		WHERE id = ? AND status = 'pending'`, taskID)
	if err != nil {
		return false, fmt.Errorf("cancelling task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendTaskRun appends an immutable audit record for one execution attempt.
// Rows here are never updated; they exist for history and debugging only.
func (db *DB) AppendTaskRun(taskID, taskName, status string, result *string) error {
	_, err := db.Exec(`
		INSERT INTO task_runs (task_id, task_name, started_at, status, result)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, taskName, fmtTime(time.Now()), status, result)
	return err
}

// TaskRuns returns the run history for a task, oldest first.
func (db *DB) TaskRuns(taskID string) ([]TaskRun, error) {
	rows, err := db.Query(`
		SELECT id, task_id, task_name, started_at, status, result
		FROM task_runs WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var r TaskRun
		var startedAt string
		var result sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.TaskName, &startedAt, &r.Status, &result); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		if result.Valid {
			r.Result = &result.String
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var params sql.NullString
		var runAt, createdAt string
		if err := rows.Scan(&t.ID, &t.TaskName, &params, &runAt, &createdAt, &t.Status); err != nil {
			return nil, err
		}
		t.RunAt = parseTime(runAt)
		t.CreatedAt = parseTime(createdAt)
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &t.TaskParams); err != nil {
				return nil, fmt.Errorf("decoding params for %s: %w", t.ID, err)
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
