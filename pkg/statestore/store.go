// Package statestore keeps the ephemeral per-execution state shared by node jobs.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/dukex/pipelit/pkg/models"
)

var (
	// ErrNotFound indicates the key expired or was never written.
	ErrNotFound = errors.New("state not found")

	// ErrStateContention indicates UpdateState kept losing the race for the state key.
	ErrStateContention = errors.New("state update contended")
)

// StateMutation edits the state inside UpdateState. Returning an error aborts the update.
type StateMutation func(state *models.ExecutionState) error

// ChildWait is a parent node waiting on a child execution.
type ChildWait struct {
	ExecutionID      string    `json:"execution_id"`
	NodeID           string    `json:"node_id"`
	ChildExecutionID string    `json:"child_execution_id"`
	Deadline         time.Time `json:"deadline"`
}

// Store is the ephemeral store. Every write to an execution refreshes its TTL
// without cutting short a longer lifetime granted by Retain.
type Store interface {
	SaveState(ctx context.Context, state *models.ExecutionState) error
	LoadState(ctx context.Context, executionID string) (*models.ExecutionState, error)

	// UpdateState applies mutate to the stored state atomically with respect to
	// concurrent writers and returns the result.
	UpdateState(ctx context.Context, executionID string, mutate StateMutation) (*models.ExecutionState, error)

	SaveTopology(ctx context.Context, executionID string, topology *models.WorkflowTopology) error
	LoadTopology(ctx context.Context, executionID string) (*models.WorkflowTopology, error)

	// IncrementFanIn atomically counts an arrival at target and returns the new count.
	IncrementFanIn(ctx context.Context, executionID, target string) (int64, error)
	FanInCounts(ctx context.Context, executionID string) (map[string]int64, error)

	MarkCompleted(ctx context.Context, executionID, nodeID string) error
	CompletedNodes(ctx context.Context, executionID string) ([]string, error)

	// AddInFlight adjusts the number of node jobs in flight and returns the new value.
	AddInFlight(ctx context.Context, executionID string, delta int64) (int64, error)

	SetChildWait(ctx context.Context, wait ChildWait) error
	GetChildWait(ctx context.Context, executionID, nodeID string) (*ChildWait, error)
	DeleteChildWait(ctx context.Context, executionID, nodeID string) error
	ExpiredChildWaits(ctx context.Context, now time.Time, limit int64) ([]ChildWait, error)

	// Retain extends the lifetime of every key of the execution to at least ttl.
	// It never shortens a key.
	// Used while an execution waits on a confirmation or a child.
	Retain(ctx context.Context, executionID string, ttl time.Duration) error

	// Cleanup removes every ephemeral key of the execution.
	Cleanup(ctx context.Context, executionID string) error

	HealthCheck(ctx context.Context) error
}
