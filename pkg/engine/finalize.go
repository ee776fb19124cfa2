package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/statestore"
)

// failure describes why an execution is being failed.
type failure struct {
	nodeID   string
	attempt  int
	duration time.Duration
	message  string
}

// finalize completes an execution that has no job in flight. It is a no-op
// when the execution already left running.
func (e *Engine) finalize(ctx context.Context, executionID string) error {
	state, err := e.store.LoadState(ctx, executionID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	e.reportUnreached(ctx, executionID)

	output := ExtractOutput(state)
	now := e.now().UTC()

	execution, err := e.persistence.Executions().Update(ctx, executionID,
		persistence.Transition(models.ExecutionStatusCompleted, func(execution *models.Execution) {
			execution.FinalOutput = output
			execution.CompletedAt = &now
		}),
	)
	if err != nil {
		if isStaleTransition(err) {
			e.logger.DebugContext(ctx, "execution left running before finalize", "execution_id", executionID)

			return nil
		}

		return fmt.Errorf("failed to complete execution %s: %w", executionID, err)
	}

	var duration time.Duration
	if execution.StartedAt != nil {
		duration = now.Sub(*execution.StartedAt)
	}

	e.publish(ctx, execution, events.ExecutionCompleted{
		BaseEvent:     events.NewBaseEvent(events.ExecutionCompletedEvent, execution.ID, execution.WorkflowID),
		Output:        output,
		NodesExecuted: execution.NodesExecuted,
		DurationMs:    duration.Milliseconds(),
	})

	err = e.delivery.Deliver(ctx, execution)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to deliver execution output", "execution_id", execution.ID, "error", err)
	}

	e.cleanup(ctx, execution.ID)

	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"nodes_executed", execution.NodesExecuted,
		"duration", duration,
	)

	if execution.HasParent() {
		err := e.resumeParent(ctx, *execution.ParentExecutionID, *execution.ParentNodeID, models.ChildResult{
			ExecutionID: execution.ID,
			Output:      output,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "failed to resume parent, the deadline sweep will retry",
				"execution_id", execution.ID,
				"parent_execution_id", *execution.ParentExecutionID,
				"error", err,
			)
		}
	}

	return nil
}

// reportUnreached logs the topology nodes a finishing execution never
// completed, and warns about merge nodes left waiting on inputs that did not
// arrive. Completion is decided by the in-flight counter alone.
func (e *Engine) reportUnreached(ctx context.Context, executionID string) {
	logger := e.logger.With("execution_id", executionID)

	topo, err := e.store.LoadTopology(ctx, executionID)
	if err != nil {
		logger.DebugContext(ctx, "topology unavailable for completion report", "error", err)

		return
	}

	completed, err := e.store.CompletedNodes(ctx, executionID)
	if err != nil {
		logger.WarnContext(ctx, "failed to read completed nodes", "error", err)

		return
	}

	if skipped := unreachedNodes(topo, completed); len(skipped) > 0 {
		logger.DebugContext(ctx, "nodes not reached", "nodes", skipped)
	}

	counts, err := e.store.FanInCounts(ctx, executionID)
	if err != nil {
		logger.WarnContext(ctx, "failed to read fan-in counts", "error", err)

		return
	}

	for _, key := range strandedMerges(topo, counts) {
		target, _, _ := strings.Cut(key, "#")

		logger.WarnContext(ctx, "merge node never ran, some inputs did not arrive",
			"node_id", target,
			"fan_in_key", key,
			"arrived", counts[key],
			"expected", topo.IncomingCount[target],
		)
	}
}

func unreachedNodes(topo *models.WorkflowTopology, completed []string) []string {
	var skipped []string

	for _, id := range slices.Sorted(maps.Keys(topo.Nodes)) {
		if !slices.Contains(completed, id) {
			skipped = append(skipped, id)
		}
	}

	return skipped
}

// strandedMerges returns the fan-in keys whose merge node got some but not all
// of its inputs. Loop iterations use "node#index" keys.
func strandedMerges(topo *models.WorkflowTopology, counts map[string]int64) []string {
	var stranded []string

	for _, key := range slices.Sorted(maps.Keys(counts)) {
		target, _, _ := strings.Cut(key, "#")

		expected := topo.IncomingCount[target]
		if expected > 1 && counts[key] < int64(expected) {
			stranded = append(stranded, key)
		}
	}

	return stranded
}

// failExecution records a terminal failure, publishes it, propagates it to the
// waiting parent and drops the ephemeral keys. It returns nil, nil when the
// execution had already left a failable status.
func (e *Engine) failExecution(ctx context.Context, executionID string, f failure) (*models.Execution, error) {
	now := e.now().UTC()

	execution, err := e.persistence.Executions().Update(ctx, executionID,
		persistence.Transition(models.ExecutionStatusFailed, func(execution *models.Execution) {
			execution.ErrorMessage = f.message
			execution.CompletedAt = &now
		}),
	)
	if err != nil {
		if isStaleTransition(err) {
			e.logger.DebugContext(ctx, "execution already finished", "execution_id", executionID)

			return nil, nil
		}

		return nil, fmt.Errorf("failed to fail execution %s: %w", executionID, err)
	}

	if f.nodeID != "" {
		e.publish(ctx, execution, events.NodeStatus{
			BaseEvent:  events.NewBaseEvent(events.NodeStatusEvent, execution.ID, execution.WorkflowID),
			NodeID:     f.nodeID,
			Status:     events.NodeFailed,
			Attempt:    f.attempt,
			DurationMs: f.duration.Milliseconds(),
			Error:      f.message,
		})
	}

	e.publish(ctx, execution, events.ExecutionFailed{
		BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, execution.ID, execution.WorkflowID),
		NodeID:    f.nodeID,
		Error:     f.message,
	})

	e.logger.ErrorContext(ctx, "execution failed",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"node_id", f.nodeID,
		"error", f.message,
	)

	// Children that never started were rejected synchronously by SpawnChild.
	if execution.HasParent() && execution.StartedAt != nil {
		err := e.resumeParent(ctx, *execution.ParentExecutionID, *execution.ParentNodeID, models.ChildResult{
			ExecutionID: execution.ID,
			Error:       f.message,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "failed to propagate failure to parent, the deadline sweep will retry",
				"execution_id", execution.ID,
				"parent_execution_id", *execution.ParentExecutionID,
				"error", err,
			)
		}
	}

	e.cleanup(ctx, execution.ID)

	return execution, nil
}

// CancelExecution moves a pending, running or interrupted execution to
// cancelled. Jobs already queued find it cancelled and do nothing.
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) (*models.Execution, error) {
	now := e.now().UTC()

	execution, err := e.persistence.Executions().Update(ctx, executionID,
		persistence.Transition(models.ExecutionStatusCancelled, func(execution *models.Execution) {
			execution.ErrorMessage = reason
			execution.CompletedAt = &now
		}),
	)
	if err != nil {
		return nil, err
	}

	err = e.persistence.PendingTasks().DeleteByExecution(ctx, executionID)
	if err != nil && !persistence.IsPendingTaskNotFound(err) {
		e.logger.WarnContext(ctx, "failed to delete pending task", "execution_id", executionID, "error", err)
	}

	e.cleanup(ctx, executionID)

	e.publish(ctx, execution, events.ExecutionCancelled{
		BaseEvent: events.NewBaseEvent(events.ExecutionCancelledEvent, execution.ID, execution.WorkflowID),
		Reason:    reason,
	})

	e.logger.InfoContext(ctx, "execution cancelled", "execution_id", executionID, "reason", reason)

	if execution.HasParent() && execution.StartedAt != nil {
		err := e.resumeParent(ctx, *execution.ParentExecutionID, *execution.ParentNodeID, models.ChildResult{
			ExecutionID: execution.ID,
			Error:       "child execution cancelled",
		})
		if err != nil {
			e.logger.WarnContext(ctx, "failed to notify parent of cancellation", "execution_id", executionID, "error", err)
		}
	}

	return execution, nil
}

func (e *Engine) cleanup(ctx context.Context, executionID string) {
	err := e.store.Cleanup(ctx, executionID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to clean up execution state", "execution_id", executionID, "error", err)
	}
}

// ExtractOutput picks the single presentable output of an execution: the
// explicit output, then the last node's output, then any node output, then
// the last message.
func ExtractOutput(state *models.ExecutionState) any {
	if state.Output != nil {
		return state.Output
	}

	if output, ok := state.NodeOutputs[state.LastNode]; ok && output != nil {
		return output
	}

	for _, id := range slices.Sorted(maps.Keys(state.NodeOutputs)) {
		if output := state.NodeOutputs[id]; output != nil {
			return output
		}
	}

	if message, ok := state.LastMessage(); ok {
		return message
	}

	return nil
}
