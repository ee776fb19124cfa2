// Package queue provides the durable job queue node and scheduler jobs travel through.
package queue

import (
	"context"
	"time"
)

// JobType selects the handler a job is dispatched to.
type JobType string

const (
	JobExecuteNode         JobType = "execute_node"
	JobExecuteScheduledJob JobType = "execute_scheduled_job"
)

// Job is a unit of work. Node jobs carry ExecutionID/NodeID/RetryCount,
// scheduler jobs carry ScheduledJobID/Repeat/Retry.
type Job struct {
	ID             string    `json:"id"`
	Type           JobType   `json:"type"`
	ExecutionID    string    `json:"execution_id,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	RetryCount     int       `json:"retry_count,omitempty"`
	ScheduledJobID string    `json:"scheduled_job_id,omitempty"`
	Repeat         int       `json:"repeat,omitempty"`
	Retry          int       `json:"retry,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// NodeJob builds a node execution job.
func NodeJob(executionID, nodeID string, retryCount int) Job {
	return Job{
		Type:        JobExecuteNode,
		ExecutionID: executionID,
		NodeID:      nodeID,
		RetryCount:  retryCount,
	}
}

// Queue accepts jobs. A job whose ID is already queued is dropped.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	EnqueueIn(ctx context.Context, job Job, delay time.Duration) error
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error
