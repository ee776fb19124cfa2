// Package persistence provides the durable record store for executions, logs,
// confirmations and scheduled jobs, plus read access to workflow graphs.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/pipelit/pkg/models"
)

type Persistence interface {
	Workflows() WorkflowRepository
	Executions() ExecutionRepository
	ExecutionLogs() ExecutionLogRepository
	PendingTasks() PendingTaskRepository
	ScheduledJobs() ScheduledJobRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository reads workflow graphs. Save exists for seeding; graph
// editing belongs to another service.
type WorkflowRepository interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
}

// ExecutionMutation edits an execution inside Update. Returning an error aborts the update.
type ExecutionMutation func(execution *models.Execution) error

type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)

	// Update locks the record, applies mutate and persists the result atomically.
	Update(ctx context.Context, id string, mutate ExecutionMutation) (*models.Execution, error)

	// ListRunningStartedBefore returns running executions whose started_at is older than before.
	ListRunningStartedBefore(ctx context.Context, before time.Time) ([]*models.Execution, error)
}

type ExecutionLogRepository interface {
	Append(ctx context.Context, log *models.ExecutionLog) error
	ListByExecution(ctx context.Context, executionID string) ([]*models.ExecutionLog, error)
}

type PendingTaskRepository interface {
	Create(ctx context.Context, task *models.PendingTask) error

	// Take atomically removes and returns the execution's unexpired task.
	Take(ctx context.Context, executionID string, now time.Time) (*models.PendingTask, error)

	GetByExecution(ctx context.Context, executionID string) (*models.PendingTask, error)
	DeleteByExecution(ctx context.Context, executionID string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingTask, error)
}

// ScheduledJobMutation edits a scheduled job inside Update.
type ScheduledJobMutation func(job *models.ScheduledJob) error

type ScheduledJobRepository interface {
	Create(ctx context.Context, job *models.ScheduledJob) error
	GetByID(ctx context.Context, id string) (*models.ScheduledJob, error)
	Update(ctx context.Context, id string, mutate ScheduledJobMutation) (*models.ScheduledJob, error)

	// ListActiveDue returns active jobs whose next_run_at is before the given time.
	ListActiveDue(ctx context.Context, before time.Time) ([]*models.ScheduledJob, error)
}

// Transition returns a mutation moving an execution to status, applying
// extra edits only when the move is allowed.
func Transition(status models.ExecutionStatus, extra func(*models.Execution)) ExecutionMutation {
	return func(execution *models.Execution) error {
		if !execution.Status.CanTransitionTo(status) {
			return &TransitionError{
				ExecutionID: execution.ID,
				From:        execution.Status,
				To:          status,
			}
		}

		execution.Status = status

		if extra != nil {
			extra(execution)
		}

		return nil
	}
}
