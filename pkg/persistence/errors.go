package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/pipelit/pkg/models"
)

// Standard persistence error types that all implementations should use.
var (
	ErrWorkflowNotFound     = errors.New("workflow not found")
	ErrExecutionNotFound    = errors.New("execution not found")
	ErrPendingTaskNotFound  = errors.New("pending task not found")
	ErrScheduledJobNotFound = errors.New("scheduled job not found")

	// ErrAlreadyExists indicates a record with the same identifier already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RecordError wraps repository errors with the operation and record involved.
type RecordError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Update")
	Entity string
	ID     string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRecordError creates a record error with context.
func NewRecordError(op, entity, id string, err error) *RecordError {
	return &RecordError{Op: op, Entity: entity, ID: id, Err: err}
}

// TransitionError is returned when an update would break the execution lifecycle.
type TransitionError struct {
	ExecutionID string
	From        models.ExecutionStatus
	To          models.ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s cannot move from %s to %s", e.ExecutionID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsPendingTaskNotFound(err error) bool {
	return errors.Is(err, ErrPendingTaskNotFound)
}

func IsScheduledJobNotFound(err error) bool {
	return errors.Is(err, ErrScheduledJobNotFound)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsNotFound reports any of the not-found errors.
func IsNotFound(err error) bool {
	return IsWorkflowNotFound(err) || IsExecutionNotFound(err) ||
		IsPendingTaskNotFound(err) || IsScheduledJobNotFound(err)
}
