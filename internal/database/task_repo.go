package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/devmonkey/pkg/models"
)

// ErrConflict is returned when a status transition loses a race
var ErrConflict = errors.New("task state conflict")

// ErrNotRunning is returned when a running-only update hits a task in another state
var ErrNotRunning = errors.New("task is not running")

// maxRunningProgress keeps 100 reserved for completed tasks
const maxRunningProgress = 99

// CreateTask creates a pending task for an account
func (db *DB) CreateTask(ctx context.Context, accountID string, params models.TaskParams, notifyChatID int64) (*models.Task, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s params: %w", params.Kind(), err)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	task := &models.Task{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Kind:         params.Kind(),
		Status:       models.TaskPending,
		Total:        params.Units(),
		Params:       raw,
		NotifyChatID: notifyChatID,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO tasks (id, account_id, kind, status, progress, total, units_done, params, error, notify_chat_id, created_at)
		VALUES (?, ?, ?, ?, 0, ?, 0, ?, '', ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		task.ID,
		task.AccountID,
		task.Kind,
		task.Status,
		task.Total,
		string(task.Params),
		task.NotifyChatID,
		task.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return task, nil
}

// GetTask returns a task by ID
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// ClaimTask moves a pending task to running. A task already running is returned
// as is so that a worker holding the account lock can resume it after a crash.
// Returns ErrConflict if the task is terminal or another task of the same account
// is running.
func (db *DB) ClaimTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case models.TaskRunning:
		return task, nil
	case models.TaskCompleted, models.TaskFailed:
		return nil, fmt.Errorf("%w: task %s is %s", ErrConflict, id, task.Status)
	}

	query := `UPDATE tasks SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`
	result, err := db.ExecContext(ctx, query, time.Now().UTC(), id)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: account %s already has a running task", ErrConflict, task.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: task %s changed state during claim", ErrConflict, id)
	}

	return db.GetTask(ctx, id)
}

// UpdateProgress checkpoints a running task. Progress and units never decrease
// and progress stays below 100 until completion.
func (db *DB) UpdateProgress(ctx context.Context, id string, progress, unitsDone int) error {
	return db.Checkpoint(ctx, id, progress, unitsDone, nil)
}

// Checkpoint is UpdateProgress that also stores the result of the units done
// so far, in the same statement, so a redelivered task can continue it. A nil
// partial keeps the stored result; a checkpoint behind the stored units never
// replaces it.
func (db *DB) Checkpoint(ctx context.Context, id string, progress, unitsDone int, partial any) error {
	if progress > maxRunningProgress {
		progress = maxRunningProgress
	}
	if progress < 0 {
		progress = 0
	}

	var payload sql.NullString
	if partial != nil {
		raw, err := json.Marshal(partial)
		if err != nil {
			return fmt.Errorf("failed to marshal partial result: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		UPDATE tasks SET
			result = CASE WHEN ? IS NOT NULL AND ? >= units_done THEN ? ELSE result END,
			progress = MAX(progress, ?),
			units_done = MAX(units_done, ?)
		WHERE id = ? AND status = 'running'
	`
	result, err := db.ExecContext(ctx, query, payload, unitsDone, payload, progress, unitsDone, id)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return requireRow(result, ErrNotRunning)
}

// AppendError appends a line to the task error log
func (db *DB) AppendError(ctx context.Context, id, text string) error {
	query := `
		UPDATE tasks SET error = CASE WHEN error = '' THEN ? ELSE error || char(10) || ? END
		WHERE id = ?
	`
	result, err := db.ExecContext(ctx, query, text, text, id)
	if err != nil {
		return fmt.Errorf("failed to append error: %w", err)
	}
	return requireRow(result, ErrNotFound)
}

// CompleteTask marks a running task completed with progress 100
func (db *DB) CompleteTask(ctx context.Context, id string, result any) error {
	var payload sql.NullString
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		UPDATE tasks SET status = 'completed', progress = 100, result = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`
	res, err := db.ExecContext(ctx, query, payload, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return requireRow(res, ErrNotRunning)
}

// FailTask marks a pending or running task failed and records the reason
func (db *DB) FailTask(ctx context.Context, id, text string) error {
	query := `
		UPDATE tasks SET
			status = 'failed',
			error = CASE WHEN error = '' THEN ? ELSE error || char(10) || ? END,
			completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`
	result, err := db.ExecContext(ctx, query, text, text, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	return requireRow(result, ErrConflict)
}

// CancelTask fails a task on operator request. A running worker notices the
// change before its next unit of work.
func (db *DB) CancelTask(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "requested by operator"
	}
	return db.FailTask(ctx, id, "cancelled: "+reason)
}

// ListTasksByOwner returns the tasks of all accounts owned by a user, newest first
func (db *DB) ListTasksByOwner(ctx context.Context, userID string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}

	var tasks []*models.Task
	query := `
		SELECT t.* FROM tasks t
		JOIN accounts a ON t.account_id = a.id
		WHERE a.user_id = ?
		ORDER BY t.created_at DESC, t.rowid DESC
		LIMIT ?
	`
	err := db.SelectContext(ctx, &tasks, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// RecoverableTasks returns tasks that have not reached a terminal state
func (db *DB) RecoverableTasks(ctx context.Context) ([]*models.Task, error) {
	var tasks []*models.Task
	query := `SELECT * FROM tasks WHERE status IN ('pending', 'running') ORDER BY created_at`
	err := db.SelectContext(ctx, &tasks, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable tasks: %w", err)
	}
	return tasks, nil
}

func requireRow(result sql.Result, notMatched error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notMatched
	}
	return nil
}
