package file

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dukex/pipelit/pkg/models"
)

// ExecutionLogRepository keeps one JSON array per execution.
type ExecutionLogRepository struct {
	store store
}

func (lr *ExecutionLogRepository) Append(_ context.Context, log *models.ExecutionLog) error {
	defer lr.store.lock()()

	logs, err := lr.load(log.ExecutionID)
	if err != nil {
		return err
	}

	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	logs = append(logs, log)

	return lr.store.write(log.ExecutionID, logs)
}

func (lr *ExecutionLogRepository) ListByExecution(_ context.Context, executionID string) ([]*models.ExecutionLog, error) {
	defer lr.store.lock()()

	return lr.load(executionID)
}

func (lr *ExecutionLogRepository) load(executionID string) ([]*models.ExecutionLog, error) {
	var logs []*models.ExecutionLog

	err := lr.store.read(executionID, &logs)
	if errors.Is(err, os.ErrNotExist) {
		return []*models.ExecutionLog{}, nil
	}

	return logs, err
}
