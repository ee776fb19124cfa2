// Package services exposes execution control to the HTTP API.
package services

import (
	"context"

	"github.com/dukex/pipelit/pkg/engine"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

// Engine is the part of *engine.Engine the API drives.
type Engine interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (*models.Execution, error)
	CancelExecution(ctx context.Context, executionID, reason string) (*models.Execution, error)
	Resume(ctx context.Context, executionID, input string) (*models.Execution, error)
	CancelPending(ctx context.Context, executionID string) (*models.Execution, error)
}

type Execution struct {
	engine      Engine
	persistence persistence.Persistence
	validator   *validator.Validate
}

// NewExecution creates a new execution service.
func NewExecution(engine Engine, persistence persistence.Persistence, validator *validator.Validate) *Execution {
	return &Execution{
		engine:      engine,
		persistence: persistence,
		validator:   validator,
	}
}

// ExecutionDetails is an execution with its node log and open confirmation.
type ExecutionDetails struct {
	*models.Execution

	Logs        []*models.ExecutionLog `json:"logs"`
	PendingTask *models.PendingTask    `json:"pending_task,omitempty"`
}

// HealthCheck checks the health of the persistence layer.
func (s *Execution) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Start validates req and starts an execution. A workflow that cannot be
// built still yields the failed execution along with the error.
func (s *Execution) Start(ctx context.Context, req engine.StartRequest) (*models.Execution, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, NewValidationError("Start", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	return s.engine.StartExecution(ctx, req)
}

func (s *Execution) Get(ctx context.Context, id string) (*ExecutionDetails, error) {
	execution, err := s.persistence.Executions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	logs, err := s.persistence.ExecutionLogs().ListByExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	details := &ExecutionDetails{Execution: execution, Logs: logs}

	if execution.Status == models.ExecutionStatusInterrupted {
		task, err := s.persistence.PendingTasks().GetByExecution(ctx, id)
		if err != nil && !persistence.IsPendingTaskNotFound(err) {
			return nil, err
		}

		details.PendingTask = task
	}

	return details, nil
}

func (s *Execution) Cancel(ctx context.Context, id, reason string) (*models.Execution, error) {
	if reason == "" {
		reason = "cancelled by request"
	}

	execution, err := s.engine.CancelExecution(ctx, id, reason)
	if persistence.IsInvalidTransition(err) {
		return nil, &ServiceError{Op: "Cancel", Code: "execution_finished", Err: ErrExecutionFinished}
	}

	return execution, err
}

// Resume answers the execution's pending confirmation.
func (s *Execution) Resume(ctx context.Context, id, input string) (*models.Execution, error) {
	return s.engine.Resume(ctx, id, input)
}

// CancelConfirmation rejects the execution's pending confirmation.
func (s *Execution) CancelConfirmation(ctx context.Context, id string) (*models.Execution, error) {
	return s.engine.CancelPending(ctx, id)
}
