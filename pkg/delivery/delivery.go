// Package delivery hands a finished execution's output to the surface that triggered it.
package delivery

import (
	"context"
	"log/slog"

	"github.com/dukex/pipelit/pkg/models"
)

// Deliverer is invoked once per completed execution.
type Deliverer interface {
	Deliver(ctx context.Context, execution *models.Execution) error
}

// Log writes the final output to the logger. It is the default when no other
// surface is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("module", "delivery")}
}

func (d *Log) Deliver(ctx context.Context, execution *models.Execution) error {
	d.logger.InfoContext(ctx, "execution output delivered",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"nodes_executed", execution.NodesExecuted,
		"output", execution.FinalOutput,
	)

	return nil
}

// Func adapts a function to Deliverer.
type Func func(ctx context.Context, execution *models.Execution) error

func (f Func) Deliver(ctx context.Context, execution *models.Execution) error {
	return f(ctx, execution)
}
