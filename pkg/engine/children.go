package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/statestore"
)

const childSweepBatchSize = 100

// SpawnChild creates a child execution on behalf of a node. The child stays
// pending until the engine has recorded the parent's wait; see handleSpawn.
func (e *Engine) SpawnChild(ctx context.Context, req protocol.SpawnRequest) (string, error) {
	execution, err := e.prepare(ctx, StartRequest{
		WorkflowID:        req.WorkflowID,
		TriggerNodeID:     req.TriggerNodeID,
		Payload:           req.Payload,
		UserContext:       req.UserContext,
		ParentExecutionID: req.ParentExecutionID,
		ParentNodeID:      req.ParentNodeID,
	})
	if err != nil {
		return "", err
	}

	return execution.ID, nil
}

// handleSpawn suspends the node on its child. The job's in-flight slot is
// handed over to the resume path, so the parent cannot finalize meanwhile.
func (e *Engine) handleSpawn(ctx context.Context, run *nodeRun, spawn *protocol.SpawnChild) error {
	timeout := spawn.Timeout
	if timeout <= 0 {
		timeout = e.config.ChildTimeout
	}

	err := e.appendLog(ctx, run, models.ExecutionLogSpawned, map[string]any{
		"child_execution_id": spawn.ExecutionID,
	}, "")
	if err != nil {
		return err
	}

	err = e.store.SetChildWait(ctx, statestore.ChildWait{
		ExecutionID:      run.execution.ID,
		NodeID:           run.node.ID,
		ChildExecutionID: spawn.ExecutionID,
		Deadline:         e.now().UTC().Add(timeout),
	})
	if err != nil {
		return err
	}

	err = e.store.Retain(ctx, run.execution.ID, timeout+e.config.StateTTL)
	if err != nil {
		run.logger.WarnContext(ctx, "failed to extend state lifetime", "error", err)
	}

	e.publishNodeStatus(ctx, run, events.NodeWaiting, "")

	run.logger.InfoContext(ctx, "node waits for child execution",
		"child_execution_id", spawn.ExecutionID,
		"timeout", timeout,
	)

	_, err = e.launch(ctx, spawn.ExecutionID)
	if err != nil && !isStaleTransition(err) {
		run.logger.ErrorContext(ctx, "failed to start child execution", "child_execution_id", spawn.ExecutionID, "error", err)

		return e.resumeParent(ctx, run.execution.ID, run.node.ID, models.ChildResult{
			ExecutionID: spawn.ExecutionID,
			Error:       "child execution could not be started",
		})
	}

	return nil
}

// resumeParent hands a child's result to the parent node waiting on it and
// re-runs that node inline. The wait record is removed only once the re-run
// went through, so a failed attempt is retried by the deadline sweep.
func (e *Engine) resumeParent(ctx context.Context, parentID, nodeID string, result models.ChildResult) error {
	logger := e.logger.With("execution_id", parentID, "node_id", nodeID, "child_execution_id", result.ExecutionID)

	wait, err := e.store.GetChildWait(ctx, parentID, nodeID)
	if errors.Is(err, statestore.ErrNotFound) {
		logger.DebugContext(ctx, "parent no longer waits for this child")

		return nil
	}

	if err != nil {
		return err
	}

	if wait.ChildExecutionID != result.ExecutionID {
		logger.DebugContext(ctx, "ignoring result of a superseded child", "expected", wait.ChildExecutionID)

		return nil
	}

	parent, err := e.persistence.Executions().GetByID(ctx, parentID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return e.store.DeleteChildWait(ctx, parentID, nodeID)
		}

		return fmt.Errorf("failed to load parent execution: %w", err)
	}

	switch parent.Status {
	case models.ExecutionStatusRunning:
	case models.ExecutionStatusInterrupted:
		return e.parkChildResult(ctx, parent, nodeID, result)
	default:
		logger.DebugContext(ctx, "parent is no longer running", "status", parent.Status)

		return e.store.DeleteChildWait(ctx, parentID, nodeID)
	}

	topo, err := e.store.LoadTopology(ctx, parentID)
	if err != nil {
		return e.abortOnMissingState(ctx, parent, nodeID, err)
	}

	node, ok := topo.Node(nodeID)
	if !ok {
		return e.store.DeleteChildWait(ctx, parentID, nodeID)
	}

	state, err := e.store.UpdateState(ctx, parentID, func(state *models.ExecutionState) error {
		state.SetChildResult(nodeID, result)
		state.CurrentNode = nodeID

		return nil
	})
	if err != nil {
		return e.abortOnMissingState(ctx, parent, nodeID, err)
	}

	logger.InfoContext(ctx, "resuming parent node with child result", "child_error", result.Error)

	run := &nodeRun{
		execution: parent,
		topology:  topo,
		node:      node,
		job:       queue.NodeJob(parentID, nodeID, 0),
		state:     state,
		resumed:   true,
		logger:    logger.With("workflow_id", parent.WorkflowID, "kind", node.Kind),
	}

	err = e.runNode(ctx, run)
	if err != nil {
		return err
	}

	return e.store.DeleteChildWait(ctx, parentID, nodeID)
}

// parkChildResult stores the result of a child whose parent waits on a
// confirmation elsewhere and queues the suspended node. The job keeps the
// in-flight slot handed over by handleSpawn and parks until the parent runs again.
func (e *Engine) parkChildResult(ctx context.Context, parent *models.Execution, nodeID string, result models.ChildResult) error {
	_, err := e.store.UpdateState(ctx, parent.ID, func(state *models.ExecutionState) error {
		state.SetChildResult(nodeID, result)

		return nil
	})
	if err != nil {
		return e.abortOnMissingState(ctx, parent, nodeID, err)
	}

	err = e.queue.EnqueueIn(ctx, queue.NodeJob(parent.ID, nodeID, 0), e.config.ParkDelay)
	if err != nil {
		return fmt.Errorf("failed to enqueue node %s: %w", nodeID, err)
	}

	e.logger.InfoContext(ctx, "parent is interrupted, child result parked",
		"execution_id", parent.ID,
		"node_id", nodeID,
		"child_execution_id", result.ExecutionID,
	)

	return e.store.DeleteChildWait(ctx, parent.ID, nodeID)
}

// SweepChildDeadlines resumes parents whose child missed its deadline with a
// timeout error and returns how many were resumed.
func (e *Engine) SweepChildDeadlines(ctx context.Context) (int, error) {
	waits, err := e.store.ExpiredChildWaits(ctx, e.now().UTC(), childSweepBatchSize)
	if err != nil {
		return 0, err
	}

	resumed := 0

	for _, wait := range waits {
		err := e.resumeParent(ctx, wait.ExecutionID, wait.NodeID, models.ChildResult{
			ExecutionID: wait.ChildExecutionID,
			Error:       ErrChildTimedOut.Error(),
		})
		if err != nil {
			e.logger.WarnContext(ctx, "failed to resume parent after child deadline",
				"execution_id", wait.ExecutionID,
				"node_id", wait.NodeID,
				"error", err,
			)

			continue
		}

		resumed++

		_, err = e.CancelExecution(ctx, wait.ChildExecutionID, ErrChildTimedOut.Error())
		if err != nil && !persistence.IsInvalidTransition(err) && !persistence.IsExecutionNotFound(err) {
			e.logger.WarnContext(ctx, "failed to cancel timed out child", "child_execution_id", wait.ChildExecutionID, "error", err)
		}
	}

	return resumed, nil
}
