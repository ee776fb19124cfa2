package file

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
)

// PendingTaskRepository stores at most one task per execution, keyed by execution id.
type PendingTaskRepository struct {
	store store
}

func (pr *PendingTaskRepository) Create(_ context.Context, task *models.PendingTask) error {
	defer pr.store.lock()()

	if pr.store.exists(task.ExecutionID) {
		return persistence.NewRecordError("Create", "pending_task", task.ExecutionID, persistence.ErrAlreadyExists)
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	return pr.store.write(task.ExecutionID, task)
}

func (pr *PendingTaskRepository) Take(_ context.Context, executionID string, now time.Time) (*models.PendingTask, error) {
	defer pr.store.lock()()

	task, err := pr.get("Take", executionID)
	if err != nil {
		return nil, err
	}

	if task.IsExpired(now) {
		return nil, persistence.NewRecordError("Take", "pending_task", executionID, persistence.ErrPendingTaskNotFound)
	}

	if err := pr.store.remove(executionID); err != nil {
		return nil, err
	}

	return task, nil
}

func (pr *PendingTaskRepository) GetByExecution(_ context.Context, executionID string) (*models.PendingTask, error) {
	defer pr.store.lock()()

	return pr.get("GetByExecution", executionID)
}

func (pr *PendingTaskRepository) get(op, executionID string) (*models.PendingTask, error) {
	var task models.PendingTask

	err := pr.store.read(executionID, &task)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewRecordError(op, "pending_task", executionID, persistence.ErrPendingTaskNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &task, nil
}

func (pr *PendingTaskRepository) DeleteByExecution(_ context.Context, executionID string) error {
	defer pr.store.lock()()

	return pr.store.remove(executionID)
}

func (pr *PendingTaskRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.PendingTask, error) {
	defer pr.store.lock()()

	tasks, err := all[models.PendingTask](pr.store)
	if err != nil {
		return nil, err
	}

	var expired []*models.PendingTask

	for _, task := range tasks {
		if !task.IsExpired(now) {
			continue
		}

		expired = append(expired, task)
		if limit > 0 && len(expired) >= limit {
			break
		}
	}

	return expired, nil
}
