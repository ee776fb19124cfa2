// Package events defines the execution lifecycle events published on the event channel.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every execution event; the metadata key selects the channel.
const Topic = "pipelit.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	NodeStatusEvent             EventType = "node.status"
	ExecutionStartedEvent       EventType = "execution.started"
	ExecutionInterruptedEvent   EventType = "execution.interrupted"
	ExecutionCompletedEvent     EventType = "execution.completed"
	ExecutionFailedEvent        EventType = "execution.failed"
	ExecutionCancelledEvent     EventType = "execution.cancelled"
	ScheduledJobTransitionEvent EventType = "scheduled_job.transition"
)

// NodeState is the status a node reports in a node.status event.
type NodeState string

const (
	NodeRunning     NodeState = "running"
	NodeSuccess     NodeState = "success"
	NodeFailed      NodeState = "failed"
	NodeRetrying    NodeState = "retrying"
	NodeInterrupted NodeState = "interrupted"
	NodeWaiting     NodeState = "waiting"
)

// UnknownWorkflow is the workflow channel used when an execution's workflow cannot be resolved.
const UnknownWorkflow = "unknown"

// ExecutionChannel is the channel key of one execution.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

// WorkflowChannel is the channel key of every execution of a workflow.
func WorkflowChannel(workflowID string) string {
	if workflowID == "" {
		workflowID = UnknownWorkflow
	}

	return "workflow:" + workflowID
}

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkflowID  string         `json:"workflow_id"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID, workflowID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
	}
}

type NodeStatus struct {
	BaseEvent

	NodeID     string    `json:"node_id"`
	Status     NodeState `json:"status"`
	Attempt    int       `json:"attempt"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (e NodeStatus) GetType() EventType {
	return NodeStatusEvent
}

type ExecutionStarted struct {
	BaseEvent

	TriggerNodeID     string `json:"trigger_node_id"`
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionInterrupted struct {
	BaseEvent

	NodeID        string    `json:"node_id"`
	PendingTaskID string    `json:"pending_task_id"`
	Prompt        string    `json:"prompt"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (e ExecutionInterrupted) GetType() EventType {
	return ExecutionInterruptedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	Output        any   `json:"output,omitempty"`
	NodesExecuted int   `json:"nodes_executed"`
	DurationMs    int64 `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
	Error  string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

type ScheduledJobTransition struct {
	BaseEvent

	ScheduledJobID string `json:"scheduled_job_id"`
	Status         string `json:"status"`
	CurrentRepeat  int    `json:"current_repeat"`
	CurrentRetry   int    `json:"current_retry"`
	Error          string `json:"error,omitempty"`
}

func (e ScheduledJobTransition) GetType() EventType {
	return ScheduledJobTransitionEvent
}
