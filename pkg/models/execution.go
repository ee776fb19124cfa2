package models

import (
	"time"
)

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending     ExecutionStatus = "pending"
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusInterrupted ExecutionStatus = "interrupted"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusFailed      ExecutionStatus = "failed"
	ExecutionStatusCancelled   ExecutionStatus = "cancelled"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending: {
		ExecutionStatusRunning,
		ExecutionStatusFailed,
		ExecutionStatusCancelled,
	},
	ExecutionStatusRunning: {
		ExecutionStatusInterrupted,
		ExecutionStatusCompleted,
		ExecutionStatusFailed,
		ExecutionStatusCancelled,
	},
	ExecutionStatusInterrupted: {
		ExecutionStatusRunning,
		ExecutionStatusFailed,
		ExecutionStatusCancelled,
	},
}

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Execution is the durable record of one run of a workflow.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	TriggerNodeID     string          `json:"trigger_node_id"`
	ScheduledJobID    string          `json:"scheduled_job_id,omitempty"`
	Status            ExecutionStatus `json:"status"`
	TriggerPayload    map[string]any  `json:"trigger_payload,omitempty"`
	FinalOutput       any             `json:"final_output,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	NodesExecuted     int             `json:"nodes_executed"`
	ParentExecutionID *string         `json:"parent_execution_id,omitempty"`
	ParentNodeID      *string         `json:"parent_node_id,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// HasParent reports whether the execution was spawned by another execution's node.
func (e *Execution) HasParent() bool {
	return e.ParentExecutionID != nil && *e.ParentExecutionID != "" &&
		e.ParentNodeID != nil && *e.ParentNodeID != ""
}

// ExecutionLogStatus classifies an execution log row.
type ExecutionLogStatus string

const (
	ExecutionLogSuccess     ExecutionLogStatus = "success"
	ExecutionLogFailed      ExecutionLogStatus = "failed"
	ExecutionLogInterrupted ExecutionLogStatus = "interrupted"
	ExecutionLogSpawned     ExecutionLogStatus = "spawned"
)

// ExecutionLog is the durable per-node record of an execution.
type ExecutionLog struct {
	ID          string             `json:"id"`
	ExecutionID string             `json:"execution_id"`
	NodeID      string             `json:"node_id"`
	Status      ExecutionLogStatus `json:"status"`
	Attempt     int                `json:"attempt"`
	DurationMs  int64              `json:"duration_ms"`
	Output      any                `json:"output,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// PendingTask is a confirmation request raised by an interrupted node.
type PendingTask struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Prompt      string    `json:"prompt"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IsExpired reports whether the task can no longer be confirmed.
func (p *PendingTask) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
