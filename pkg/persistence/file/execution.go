package file

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
)

type ExecutionRepository struct {
	store store
}

func (er *ExecutionRepository) Create(_ context.Context, execution *models.Execution) error {
	defer er.store.lock()()

	if er.store.exists(execution.ID) {
		return persistence.NewRecordError("Create", "execution", execution.ID, persistence.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now

	return er.store.write(execution.ID, execution)
}

func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	defer er.store.lock()()

	return er.get("GetByID", id)
}

func (er *ExecutionRepository) get(op, id string) (*models.Execution, error) {
	var execution models.Execution

	err := er.store.read(id, &execution)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewRecordError(op, "execution", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &execution, nil
}

func (er *ExecutionRepository) Update(_ context.Context, id string, mutate persistence.ExecutionMutation) (*models.Execution, error) {
	defer er.store.lock()()

	execution, err := er.get("Update", id)
	if err != nil {
		return nil, err
	}

	if err := mutate(execution); err != nil {
		return nil, err
	}

	execution.UpdatedAt = time.Now().UTC()

	if err := er.store.write(id, execution); err != nil {
		return nil, err
	}

	return execution, nil
}

func (er *ExecutionRepository) ListRunningStartedBefore(_ context.Context, before time.Time) ([]*models.Execution, error) {
	defer er.store.lock()()

	executions, err := all[models.Execution](er.store)
	if err != nil {
		return nil, err
	}

	var stale []*models.Execution

	for _, execution := range executions {
		if execution.Status != models.ExecutionStatusRunning || execution.StartedAt == nil {
			continue
		}

		if execution.StartedAt.Before(before) {
			stale = append(stale, execution)
		}
	}

	return stale, nil
}
