// Package recovery fails executions left running by a worker that died.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/pipelit/pkg/eventbus"
	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/statestore"
)

// DefaultThreshold is how long an execution may stay running before it is
// considered a zombie.
const DefaultThreshold = time.Hour

type Recovery struct {
	persistence persistence.Persistence
	store       statestore.Store
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	threshold   time.Duration
	now         func() time.Time
}

func New(
	persistence persistence.Persistence,
	store statestore.Store,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	threshold time.Duration,
) *Recovery {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	return &Recovery{
		persistence: persistence,
		store:       store,
		publisher:   publisher,
		logger:      logger.With("module", "recovery"),
		threshold:   threshold,
		now:         time.Now,
	}
}

// Run fails every running execution started before now minus the threshold
// and returns how many were failed.
func (r *Recovery) Run(ctx context.Context) (int, error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.threshold)

	stale, err := r.persistence.Executions().ListRunningStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale executions: %w", err)
	}

	recovered := 0

	var errs []error

	for _, execution := range stale {
		ok, err := r.recover(ctx, execution, now)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		r.logger.InfoContext(ctx, "recovered zombie executions", "count", recovered, "threshold", r.threshold)
	}

	return recovered, errors.Join(errs...)
}

func (r *Recovery) recover(ctx context.Context, stale *models.Execution, now time.Time) (bool, error) {
	message := fmt.Sprintf("execution stalled: running since %s with no progress, its worker likely died",
		stale.StartedAt.UTC().Format(time.RFC3339))

	execution, err := r.persistence.Executions().Update(ctx, stale.ID,
		persistence.Transition(models.ExecutionStatusFailed, func(execution *models.Execution) {
			execution.ErrorMessage = message
			execution.CompletedAt = &now
		}),
	)
	if err != nil {
		// Finished between the query and the update.
		if persistence.IsInvalidTransition(err) || persistence.IsExecutionNotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to fail execution %s: %w", stale.ID, err)
	}

	workflowID := r.workflowID(ctx, execution)

	err = eventbus.PublishExecutionEvent(ctx, r.publisher, execution.ID, workflowID, events.ExecutionFailed{
		BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, execution.ID, workflowID),
		Error:     message,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to publish recovery event", "execution_id", execution.ID, "error", err)
	}

	err = r.store.Cleanup(ctx, execution.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to clean up execution state", "execution_id", execution.ID, "error", err)
	}

	r.logger.WarnContext(ctx, "zombie execution failed",
		"execution_id", execution.ID,
		"workflow_id", workflowID,
		"started_at", stale.StartedAt,
	)

	return true, nil
}

// workflowID resolves the channel to report on: the record, then the cached
// topology, then the unknown workflow.
func (r *Recovery) workflowID(ctx context.Context, execution *models.Execution) string {
	if execution.WorkflowID != "" {
		return execution.WorkflowID
	}

	topology, err := r.store.LoadTopology(ctx, execution.ID)
	if err == nil && topology.WorkflowID != "" {
		return topology.WorkflowID
	}

	return events.UnknownWorkflow
}
