// Package web provides HTTP request and response types for the execution API.
package web

import (
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
)

// StartExecutionRequest represents the request body for starting an execution.
type StartExecutionRequest struct {
	WorkflowID    string         `json:"workflow_id"            validate:"required"`
	TriggerNodeID string         `json:"trigger_node_id"        validate:"required"`
	Payload       map[string]any `json:"payload,omitempty"`
	UserContext   map[string]any `json:"user_context,omitempty"`
}

// CancelExecutionRequest represents the optional body of a cancellation.
type CancelExecutionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ConfirmationRequest answers a pending confirmation.
type ConfirmationRequest struct {
	Input string `json:"input" validate:"required"`
}

// CreateScheduledJobRequest represents the request body for creating a scheduled job.
type CreateScheduledJobRequest struct {
	Name            string         `json:"name"                      validate:"required,min=1"`
	WorkflowID      string         `json:"workflow_id"               validate:"required"`
	TriggerNodeID   string         `json:"trigger_node_id"           validate:"required"`
	Payload         map[string]any `json:"payload,omitempty"`
	IntervalSeconds int            `json:"interval_seconds"          validate:"required,min=1"`
	TotalRepeats    int            `json:"total_repeats"             validate:"min=0"`
	MaxRetries      int            `json:"max_retries"               validate:"min=0"`
	TimeoutSeconds  int            `json:"timeout_seconds"           validate:"min=0"`
}

// ScheduledJob converts the request into a new scheduled job.
func (r CreateScheduledJobRequest) ScheduledJob() *models.ScheduledJob {
	return &models.ScheduledJob{
		Name:            r.Name,
		WorkflowID:      r.WorkflowID,
		TriggerNodeID:   r.TriggerNodeID,
		Payload:         r.Payload,
		IntervalSeconds: r.IntervalSeconds,
		TotalRepeats:    r.TotalRepeats,
		MaxRetries:      r.MaxRetries,
		TimeoutSeconds:  r.TimeoutSeconds,
	}
}

// NodeKindResponse describes a registered node kind.
type NodeKindResponse struct {
	Kind        string         `json:"kind"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// TransformNodeKind builds the response for a node factory.
func TransformNodeKind(factory protocol.NodeFactory) NodeKindResponse {
	return NodeKindResponse{
		Kind:        factory.ID(),
		Name:        factory.Name(),
		Description: factory.Description(),
		Schema:      factory.Schema(),
	}
}
