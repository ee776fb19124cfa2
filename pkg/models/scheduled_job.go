package models

import (
	"time"
)

// ScheduledJobStatus is the lifecycle status of a scheduled job.
type ScheduledJobStatus string

const (
	ScheduledJobActive ScheduledJobStatus = "active"
	ScheduledJobPaused ScheduledJobStatus = "paused"
	ScheduledJobDone   ScheduledJobStatus = "done"
	ScheduledJobDead   ScheduledJobStatus = "dead"
)

// ScheduledJob fires a workflow trigger at a fixed interval.
// TotalRepeats of zero means the job repeats forever.
type ScheduledJob struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"                      validate:"required,min=1"`
	WorkflowID      string             `json:"workflow_id"               validate:"required"`
	TriggerNodeID   string             `json:"trigger_node_id"           validate:"required"`
	Payload         map[string]any     `json:"payload,omitempty"`
	IntervalSeconds int                `json:"interval_seconds"          validate:"required,min=1"`
	TotalRepeats    int                `json:"total_repeats"             validate:"min=0"`
	MaxRetries      int                `json:"max_retries"               validate:"min=0"`
	TimeoutSeconds  int                `json:"timeout_seconds"           validate:"min=0"`
	CurrentRepeat   int                `json:"current_repeat"`
	CurrentRetry    int                `json:"current_retry"`
	Status          ScheduledJobStatus `json:"status"                    validate:"required,oneof=active paused done dead"`
	RunCount        int                `json:"run_count"`
	ErrorCount      int                `json:"error_count"`
	LastError       string             `json:"last_error,omitempty"`
	LastExecutionID string             `json:"last_execution_id,omitempty"`
	LastRunAt       *time.Time         `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time         `json:"next_run_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Interval returns the base interval as a duration.
func (j *ScheduledJob) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

// IsFinite reports whether the job stops after TotalRepeats successful runs.
func (j *ScheduledJob) IsFinite() bool {
	return j.TotalRepeats > 0
}
