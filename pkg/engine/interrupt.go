package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/statestore"
	"github.com/google/uuid"
)

const expireBatchSize = 100

// interrupt suspends the execution on run's node until someone confirms or cancels.
func (e *Engine) interrupt(ctx context.Context, run *nodeRun, prompt string) error {
	now := e.now().UTC()

	task := &models.PendingTask{
		ID:          uuid.NewString(),
		ExecutionID: run.execution.ID,
		NodeID:      run.node.ID,
		Prompt:      prompt,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.ConfirmationTTL),
	}

	err := e.persistence.PendingTasks().Create(ctx, task)
	if errors.Is(err, persistence.ErrAlreadyExists) {
		run.logger.DebugContext(ctx, "another node already waits for confirmation, parking")

		return e.queue.EnqueueIn(ctx, run.job, e.config.ParkDelay)
	}

	if err != nil {
		return fmt.Errorf("failed to create pending task: %w", err)
	}

	execution, err := e.persistence.Executions().Update(ctx, run.execution.ID,
		persistence.Transition(models.ExecutionStatusInterrupted, nil),
	)
	if err != nil {
		cleanupErr := e.persistence.PendingTasks().DeleteByExecution(ctx, run.execution.ID)
		if cleanupErr != nil && !persistence.IsPendingTaskNotFound(cleanupErr) {
			run.logger.WarnContext(ctx, "failed to drop pending task", "error", cleanupErr)
		}

		if isStaleTransition(err) {
			return nil
		}

		return fmt.Errorf("failed to interrupt execution: %w", err)
	}

	run.execution = execution

	err = e.appendLog(ctx, run, models.ExecutionLogInterrupted, map[string]any{"prompt": prompt}, "")
	if err != nil {
		return err
	}

	err = e.store.Retain(ctx, execution.ID, e.config.ConfirmationTTL+e.config.StateTTL)
	if err != nil {
		run.logger.WarnContext(ctx, "failed to extend state lifetime", "error", err)
	}

	e.publishNodeStatus(ctx, run, events.NodeInterrupted, "")
	e.publish(ctx, execution, events.ExecutionInterrupted{
		BaseEvent:     events.NewBaseEvent(events.ExecutionInterruptedEvent, execution.ID, execution.WorkflowID),
		NodeID:        run.node.ID,
		PendingTaskID: task.ID,
		Prompt:        prompt,
		ExpiresAt:     task.ExpiresAt,
	})

	run.logger.InfoContext(ctx, "execution interrupted", "pending_task_id", task.ID)

	_, err = e.store.AddInFlight(ctx, execution.ID, -1)

	return err
}

// Resume confirms the pending task of an execution with input and re-runs
// exactly the interrupted node. Expired tasks are reported as not found.
func (e *Engine) Resume(ctx context.Context, executionID, input string) (*models.Execution, error) {
	task, err := e.takeTask(ctx, executionID)
	if err != nil {
		return nil, err
	}

	_, err = e.store.UpdateState(ctx, executionID, func(state *models.ExecutionState) error {
		state.SetResumeInput(task.NodeID, input)

		return nil
	})
	if errors.Is(err, statestore.ErrNotFound) {
		_, failErr := e.failExecution(ctx, executionID, failure{
			nodeID:  task.NodeID,
			message: fmt.Sprintf("node %s failed: %s", task.NodeID, ErrStateMissing),
		})

		return nil, errors.Join(ErrStateMissing, failErr)
	}

	if err != nil {
		e.restoreTask(ctx, task)

		return nil, err
	}

	execution, err := e.persistence.Executions().Update(ctx, executionID,
		persistence.Transition(models.ExecutionStatusRunning, nil),
	)
	if err != nil {
		if !isStaleTransition(err) {
			e.restoreTask(ctx, task)
		}

		return nil, err
	}

	err = e.enqueue(ctx, queue.NodeJob(executionID, task.NodeID, 0), 0)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "execution resumed", "execution_id", executionID, "node_id", task.NodeID)

	return execution, nil
}

// CancelPending rejects the pending confirmation and cancels the execution.
func (e *Engine) CancelPending(ctx context.Context, executionID string) (*models.Execution, error) {
	task, err := e.takeTask(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return e.CancelExecution(ctx, executionID, fmt.Sprintf("confirmation for node %s cancelled", task.NodeID))
}

// restoreTask puts back a task taken by a resume that did not go through, so
// the confirmation can be answered again or expire.
func (e *Engine) restoreTask(ctx context.Context, task *models.PendingTask) {
	err := e.persistence.PendingTasks().Create(ctx, task)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to restore pending task",
			"execution_id", task.ExecutionID,
			"pending_task_id", task.ID,
			"error", err,
		)
	}
}

// takeTask claims the execution's pending task. An execution that is not
// interrupted at all yields ErrNotInterrupted rather than a missing task.
func (e *Engine) takeTask(ctx context.Context, executionID string) (*models.PendingTask, error) {
	task, err := e.persistence.PendingTasks().Take(ctx, executionID, e.now().UTC())
	if err == nil || !persistence.IsPendingTaskNotFound(err) {
		return task, err
	}

	execution, getErr := e.persistence.Executions().GetByID(ctx, executionID)
	if getErr != nil {
		return nil, getErr
	}

	if execution.Status != models.ExecutionStatusInterrupted {
		return nil, fmt.Errorf("%w: execution is %s", ErrNotInterrupted, execution.Status)
	}

	return nil, err
}

// ExpirePendingTasks cancels executions whose confirmation expired and returns
// how many were handled.
func (e *Engine) ExpirePendingTasks(ctx context.Context) (int, error) {
	tasks, err := e.persistence.PendingTasks().ListExpired(ctx, e.now().UTC(), expireBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired pending tasks: %w", err)
	}

	expired := 0

	for _, task := range tasks {
		_, err := e.CancelExecution(ctx, task.ExecutionID, fmt.Sprintf("confirmation for node %s expired", task.NodeID))
		if err != nil {
			if !persistence.IsInvalidTransition(err) && !persistence.IsExecutionNotFound(err) {
				e.logger.WarnContext(ctx, "failed to cancel expired execution", "execution_id", task.ExecutionID, "error", err)

				continue
			}

			err = e.persistence.PendingTasks().DeleteByExecution(ctx, task.ExecutionID)
			if err != nil && !persistence.IsPendingTaskNotFound(err) {
				e.logger.WarnContext(ctx, "failed to drop expired pending task", "execution_id", task.ExecutionID, "error", err)

				continue
			}
		}

		expired++
	}

	return expired, nil
}

func interruptPrompt(node *models.TopologyNode, when string) string {
	if prompt, ok := node.Config["prompt"].(string); ok && prompt != "" {
		return prompt
	}

	if when == "before" {
		return fmt.Sprintf("Approve running node %s?", node.ID)
	}

	return fmt.Sprintf("Review the result of node %s and confirm to continue.", node.ID)
}
