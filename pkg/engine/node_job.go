package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/otelhelper"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/statestore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// nodeRun is one invocation of a node within an execution.
type nodeRun struct {
	execution *models.Execution
	topology  *models.WorkflowTopology
	node      *models.TopologyNode
	job       queue.Job
	state     *models.ExecutionState
	resumed   bool
	duration  time.Duration
	logger    *slog.Logger
}

func (r *nodeRun) attempt() int {
	return r.job.RetryCount + 1
}

// childFailed reports a resumed run whose child handed back an error.
func (r *nodeRun) childFailed() bool {
	result, ok := r.state.ChildResultFor(r.node.ID)

	return ok && result.Error != ""
}

// ExecuteNode handles an execute_node job.
func (e *Engine) ExecuteNode(ctx context.Context, job queue.Job) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.execute_node",
		attribute.String(otelhelper.ExecutionIDKey, job.ExecutionID),
		attribute.String(otelhelper.NodeIDKey, job.NodeID),
		attribute.Int(otelhelper.AttemptKey, job.RetryCount+1),
		attribute.String(otelhelper.JobIDKey, job.ID),
	)
	defer span.End()

	logger := e.logger.With(
		"execution_id", job.ExecutionID,
		"node_id", job.NodeID,
		"retry_count", job.RetryCount,
	)

	execution, err := e.persistence.Executions().GetByID(ctx, job.ExecutionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			logger.WarnContext(ctx, "dropping node job of unknown execution")

			return nil
		}

		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to load execution %s: %w", job.ExecutionID, err)
	}

	switch execution.Status {
	case models.ExecutionStatusRunning:
	case models.ExecutionStatusInterrupted:
		logger.DebugContext(ctx, "execution waits for confirmation, parking node job")

		return e.queue.EnqueueIn(ctx, job, e.config.ParkDelay)
	default:
		logger.DebugContext(ctx, "skipping stale node job", "status", execution.Status)

		return nil
	}

	span.SetAttributes(attribute.String(otelhelper.WorkflowIDKey, execution.WorkflowID))

	topo, err := e.store.LoadTopology(ctx, execution.ID)
	if err != nil {
		return e.abortOnMissingState(ctx, execution, job.NodeID, err)
	}

	node, ok := topo.Node(job.NodeID)
	if !ok {
		_, err := e.failExecution(ctx, execution.ID, failure{
			nodeID:  job.NodeID,
			attempt: job.RetryCount + 1,
			message: fmt.Sprintf("node %s failed: %s", job.NodeID, ErrNodeNotInTopology),
		})

		return err
	}

	span.SetAttributes(attribute.String(otelhelper.NodeKindKey, node.Kind))

	state, err := e.store.UpdateState(ctx, execution.ID, func(state *models.ExecutionState) error {
		state.CurrentNode = node.ID

		return nil
	})
	if err != nil {
		return e.abortOnMissingState(ctx, execution, job.NodeID, err)
	}

	run := &nodeRun{
		execution: execution,
		topology:  topo,
		node:      node,
		job:       job,
		state:     state,
		resumed:   isResumed(state, node.ID),
		logger:    logger.With("workflow_id", execution.WorkflowID, "kind", node.Kind),
	}

	err = e.runNode(ctx, run)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

// runNode drives a loaded node through interrupt checks, its callback and the
// outcome handling.
func (e *Engine) runNode(ctx context.Context, run *nodeRun) error {
	if run.node.InterruptBefore && !run.resumed {
		return e.interrupt(ctx, run, interruptPrompt(run.node, "before"))
	}

	e.publishNodeStatus(ctx, run, events.NodeRunning, "")

	started := e.now()
	result, err := e.invoke(ctx, run)
	run.duration = e.now().Sub(started)

	if err != nil {
		return e.handleNodeError(ctx, run, err)
	}

	switch {
	case result.Interrupt != nil:
		return e.interrupt(ctx, run, result.Interrupt.Prompt)
	case result.SpawnChild != nil:
		return e.handleSpawn(ctx, run, result.SpawnChild)
	default:
		return e.handleUpdate(ctx, run, result.Update)
	}
}

func (e *Engine) invoke(ctx context.Context, run *nodeRun) (result protocol.Result, err error) {
	callback, err := e.registry.CreateNode(ctx, run.node.Kind, run.node.ID, run.node.Config)
	if err != nil {
		return protocol.Result{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panicked: %v", r)
		}
	}()

	return callback.Execute(ctx, protocol.NodeContext{
		ExecutionID: run.execution.ID,
		WorkflowID:  run.execution.WorkflowID,
		NodeID:      run.node.ID,
		Node:        run.node,
		Logger:      run.logger,
		Children:    e,
	}, run.state)
}

func (e *Engine) handleNodeError(ctx context.Context, run *nodeRun, nodeErr error) error {
	message := e.truncate(nodeErr.Error())

	err := e.appendLog(ctx, run, models.ExecutionLogFailed, nil, message)
	if err != nil {
		return err
	}

	if run.job.RetryCount < e.config.MaxNodeRetries && !isPermanent(nodeErr) && !run.childFailed() {
		delay := e.config.RetryBaseDelay * time.Duration(1<<run.job.RetryCount)

		run.logger.WarnContext(ctx, "node failed, retrying", "error", nodeErr, "delay", delay)
		e.publishNodeStatus(ctx, run, events.NodeRetrying, message)

		err = e.enqueue(ctx, queue.NodeJob(run.execution.ID, run.node.ID, run.job.RetryCount+1), delay)
		if err != nil {
			return err
		}

		return e.release(ctx, run.execution.ID)
	}

	run.logger.ErrorContext(ctx, "node failed permanently", "error", nodeErr, "attempt", run.attempt())

	_, err = e.failExecution(ctx, run.execution.ID, failure{
		nodeID:   run.node.ID,
		attempt:  run.attempt(),
		duration: run.duration,
		message:  nodeFailureMessage(run.node.ID, nodeErr, e.config.ErrorTruncate),
	})

	return err
}

func (e *Engine) handleUpdate(ctx context.Context, run *nodeRun, update *models.StateUpdate) error {
	executionID := run.execution.ID

	if update != nil && update.Loop != nil && len(update.Loop.Items) > e.config.MaxLoopIterations {
		run.logger.WarnContext(ctx, "loop items exceed the iteration limit, truncating",
			"items", len(update.Loop.Items),
			"limit", e.config.MaxLoopIterations,
		)

		update.Loop.Items = update.Loop.Items[:e.config.MaxLoopIterations]
	}

	completedAt := e.now().UTC()

	state, err := e.store.UpdateState(ctx, executionID, func(state *models.ExecutionState) error {
		state.Merge(run.node.ID, update)
		state.LastNode = run.node.ID

		if state.NodeResults == nil {
			state.NodeResults = make(map[string]models.NodeResultMeta)
		}

		state.NodeResults[run.node.ID] = models.NodeResultMeta{
			Status:      string(models.ExecutionLogSuccess),
			DurationMs:  run.duration.Milliseconds(),
			Output:      snapshot(state.NodeOutputs[run.node.ID], e.config.OutputTruncate),
			CompletedAt: completedAt,
		}

		if run.resumed {
			if state.ResumedNode == run.node.ID {
				state.ClearResume()
			}

			state.ClearChildResult(run.node.ID)
		}

		return nil
	})
	if err != nil {
		return e.abortOnMissingState(ctx, run.execution, run.node.ID, err)
	}

	err = e.store.MarkCompleted(ctx, executionID, run.node.ID)
	if err != nil {
		return err
	}

	err = e.appendLog(ctx, run, models.ExecutionLogSuccess, state.NodeOutputs[run.node.ID], "")
	if err != nil {
		return err
	}

	_, err = e.persistence.Executions().Update(ctx, executionID, func(execution *models.Execution) error {
		execution.NodesExecuted++

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to count executed node: %w", err)
	}

	e.publishNodeStatus(ctx, run, events.NodeSuccess, "")

	run.logger.DebugContext(ctx, "node completed", "duration", run.duration)

	if run.node.InterruptAfter && !run.resumed {
		return e.interrupt(ctx, run, interruptPrompt(run.node, "after"))
	}

	err = e.advance(ctx, run, state)
	if err != nil {
		return err
	}

	return e.release(ctx, executionID)
}

// abortOnMissingState fails an execution whose ephemeral keys are gone.
// Infrastructure errors are returned to the job runner unchanged.
func (e *Engine) abortOnMissingState(ctx context.Context, execution *models.Execution, nodeID string, err error) error {
	if !errors.Is(err, statestore.ErrNotFound) {
		return err
	}

	e.logger.WarnContext(ctx, "execution state is gone",
		"execution_id", execution.ID,
		"node_id", nodeID,
	)

	_, err = e.failExecution(ctx, execution.ID, failure{
		nodeID:  nodeID,
		message: fmt.Sprintf("node %s failed: %s", nodeID, ErrStateMissing),
	})

	return err
}

func (e *Engine) appendLog(ctx context.Context, run *nodeRun, status models.ExecutionLogStatus, output any, message string) error {
	err := e.persistence.ExecutionLogs().Append(ctx, &models.ExecutionLog{
		ID:          uuid.NewString(),
		ExecutionID: run.execution.ID,
		NodeID:      run.node.ID,
		Status:      status,
		Attempt:     run.attempt(),
		DurationMs:  run.duration.Milliseconds(),
		Output:      snapshot(output, e.config.OutputTruncate),
		Error:       message,
		CreatedAt:   e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}

	return nil
}

func (e *Engine) publishNodeStatus(ctx context.Context, run *nodeRun, status events.NodeState, message string) {
	e.publish(ctx, run.execution, events.NodeStatus{
		BaseEvent:  events.NewBaseEvent(events.NodeStatusEvent, run.execution.ID, run.execution.WorkflowID),
		NodeID:     run.node.ID,
		Status:     status,
		Attempt:    run.attempt(),
		DurationMs: run.duration.Milliseconds(),
		Error:      message,
	})
}

func isResumed(state *models.ExecutionState, nodeID string) bool {
	_, confirmed := state.ResumeInputFor(nodeID)
	_, child := state.ChildResultFor(nodeID)

	return confirmed || child
}
