package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
)

const pendingTaskColumns = `id, execution_id, node_id, prompt, created_at, expires_at`

type PendingTaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *PendingTaskRepository) Create(ctx context.Context, task *models.PendingTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_tasks (`+pendingTaskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, task.ID, task.ExecutionID, task.NodeID, task.Prompt, task.CreatedAt, task.ExpiresAt)
	if isUniqueViolation(err) {
		return persistence.NewRecordError("Create", "pending_task", task.ExecutionID, persistence.ErrAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to insert pending task: %w", err)
	}

	return nil
}

// Take deletes and returns the task in one statement, so concurrent callers
// cannot both claim it.
func (r *PendingTaskRepository) Take(ctx context.Context, executionID string, now time.Time) (*models.PendingTask, error) {
	row := r.db.QueryRowContext(ctx, `
		DELETE FROM pending_tasks
		WHERE execution_id = $1 AND expires_at > $2
		RETURNING `+pendingTaskColumns, executionID, now)

	task, err := scanPendingTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRecordError("Take", "pending_task", executionID, persistence.ErrPendingTaskNotFound)
	}

	return task, err
}

func (r *PendingTaskRepository) GetByExecution(ctx context.Context, executionID string) (*models.PendingTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pendingTaskColumns+` FROM pending_tasks WHERE execution_id = $1`, executionID)

	task, err := scanPendingTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRecordError("GetByExecution", "pending_task", executionID, persistence.ErrPendingTaskNotFound)
	}

	return task, err
}

func (r *PendingTaskRepository) DeleteByExecution(ctx context.Context, executionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_tasks WHERE execution_id = $1`, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete pending task of %s: %w", executionID, err)
	}

	return nil
}

func (r *PendingTaskRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingTask, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+pendingTaskColumns+`
		FROM pending_tasks
		WHERE expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired pending tasks: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	tasks := make([]*models.PendingTask, 0)

	for rows.Next() {
		task, err := scanPendingTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

func scanPendingTask(row scanner) (*models.PendingTask, error) {
	var task models.PendingTask

	err := row.Scan(&task.ID, &task.ExecutionID, &task.NodeID, &task.Prompt, &task.CreatedAt, &task.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan pending task: %w", err)
	}

	return &task, nil
}
