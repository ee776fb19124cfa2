// Package protocol defines the interfaces and contracts for pluggable nodes.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/pipelit/pkg/models"
)

// Node is a configured node instance. Execute receives the current execution
// state and returns what the engine should do next.
type Node interface {
	ID() string
	Kind() string
	Execute(ctx context.Context, nc NodeContext, state *models.ExecutionState) (Result, error)
}

// NodeFactory creates node instances and provides metadata about the node type.
type NodeFactory interface {
	// Create creates a new node instance with the given configuration
	Create(ctx context.Context, id string, config map[string]any) (Node, error)

	// ID returns the node kind this factory builds
	ID() string

	Name() string
	Description() string

	// Schema returns the JSON schema for configuring this node
	Schema() map[string]any
}

// NodeContext carries the per-invocation data a node may need beyond the state.
type NodeContext struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Node        *models.TopologyNode
	Logger      *slog.Logger
	Children    ChildSpawner
}

// SpawnRequest asks the engine to start a child execution on behalf of a node.
type SpawnRequest struct {
	ParentExecutionID string
	ParentNodeID      string
	WorkflowID        string
	TriggerNodeID     string
	Payload           map[string]any
	UserContext       map[string]any
}

// ChildSpawner starts child executions. The engine implements it.
type ChildSpawner interface {
	SpawnChild(ctx context.Context, req SpawnRequest) (string, error)
}

// Result is the outcome of a node invocation. Exactly one field is set.
type Result struct {
	Update     *models.StateUpdate
	SpawnChild *SpawnChild
	Interrupt  *InterruptRequest
}

// SpawnChild marks a node that is waiting for a child execution.
type SpawnChild struct {
	ExecutionID string

	// Timeout overrides the engine's default child deadline when positive.
	Timeout time.Duration
}

// InterruptRequest pauses the execution for a human confirmation.
type InterruptRequest struct {
	Prompt string
}

func Update(update *models.StateUpdate) Result {
	if update == nil {
		update = &models.StateUpdate{}
	}

	return Result{Update: update}
}

func Spawn(executionID string, timeout time.Duration) Result {
	return Result{SpawnChild: &SpawnChild{ExecutionID: executionID, Timeout: timeout}}
}

func Interrupt(prompt string) Result {
	return Result{Interrupt: &InterruptRequest{Prompt: prompt}}
}
