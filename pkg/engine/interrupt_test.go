package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interruptAfterWorkflow(h *harness) {
	x := node("X", "step", nil)
	x.InterruptAfter = true

	h.saveWorkflow("wf", []*models.WorkflowNode{trigger(), x, node("Y", "step", nil)},
		[]*models.Edge{direct("T", "X"), direct("X", "Y")})
}

func TestEngine_InterruptAfterAndResume(t *testing.T) {
	h := newHarness(t, nil)
	interruptAfterWorkflow(h)

	execution := h.start("wf", nil)
	h.drain()

	interrupted := h.execution(execution.ID)
	require.Equal(t, models.ExecutionStatusInterrupted, interrupted.Status)
	assert.Equal(t, 1, h.steps.count("X"))
	assert.Equal(t, 0, h.steps.count("Y"))

	task, err := h.persistence.PendingTasks().GetByExecution(h.ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "X", task.NodeID)
	assert.Equal(t, h.now().Add(DefaultConfirmationTTL), task.ExpiresAt)
	assert.Contains(t, h.events.types(events.ExecutionChannel(execution.ID)), events.ExecutionInterruptedEvent)
	assert.Greater(t, h.mini.TTL("pipelit:exec:"+execution.ID+":state"), DefaultStateTTL)

	resumed, err := h.engine.Resume(h.ctx, execution.ID, "yes")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, resumed.Status)

	jobs, err := h.queue.Claim(h.ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "X", jobs[0].NodeID)

	state, err := h.store.LoadState(h.ctx, execution.ID)
	require.NoError(t, err)

	input, ok := state.ResumeInputFor("X")
	require.True(t, ok)
	assert.Equal(t, "yes", input)

	_, err = h.persistence.PendingTasks().GetByExecution(h.ctx, execution.ID)
	assert.True(t, persistence.IsPendingTaskNotFound(err))

	require.NoError(t, h.engine.ExecuteNode(h.ctx, jobs[0]))
	h.drain()

	assert.Equal(t, 2, h.steps.count("X"))
	assert.Equal(t, 1, h.steps.count("Y"))
	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(execution.ID).Status)
	h.assertNoEphemeralKeys(execution.ID)
}

func TestEngine_InterruptBefore(t *testing.T) {
	h := newHarness(t, nil)

	x := node("X", "step", map[string]any{"prompt": "Run X?"})
	x.InterruptBefore = true

	h.saveWorkflow("wf", []*models.WorkflowNode{trigger(), x}, []*models.Edge{direct("T", "X")})

	execution := h.start("wf", nil)
	h.drain()

	assert.Equal(t, models.ExecutionStatusInterrupted, h.execution(execution.ID).Status)
	assert.Equal(t, 0, h.steps.count("X"))

	task, err := h.persistence.PendingTasks().GetByExecution(h.ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "Run X?", task.Prompt)

	_, err = h.engine.Resume(h.ctx, execution.ID, "ok")
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, 1, h.steps.count("X"))
	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(execution.ID).Status)
}

func TestEngine_ConfirmationNodeRoutesOnAnswer(t *testing.T) {
	tests := []struct {
		answer string
		ranY   int
	}{
		{answer: "yes", ranY: 1},
		{answer: "no", ranY: 0},
	}

	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			h := newHarness(t, nil)

			h.saveWorkflow("wf", []*models.WorkflowNode{
				trigger(),
				node("C", "human_confirmation", map[string]any{"prompt": "Ship {{.trigger_payload.release}}?"}),
				node("Y", "step", nil),
			}, []*models.Edge{
				direct("T", "C"),
				conditional("C", map[string]string{"confirmed": "Y", "rejected": models.EndSentinel}),
			})

			execution := h.start("wf", map[string]any{"release": "v2"})
			h.drain()

			task, err := h.persistence.PendingTasks().GetByExecution(h.ctx, execution.ID)
			require.NoError(t, err)
			assert.Equal(t, "Ship v2?", task.Prompt)
			assert.Len(t, h.logs(execution.ID, "C"), 1)

			_, err = h.engine.Resume(h.ctx, execution.ID, tt.answer)
			require.NoError(t, err)
			h.drain()

			finished := h.execution(execution.ID)
			assert.Equal(t, models.ExecutionStatusCompleted, finished.Status)
			assert.Equal(t, tt.ranY, h.steps.count("Y"))
		})
	}
}

func TestEngine_InterruptParksSiblingBranches(t *testing.T) {
	h := newHarness(t, nil)

	x := node("X", "step", nil)
	x.InterruptBefore = true

	h.saveWorkflow("wf", []*models.WorkflowNode{
		trigger(), node("A", "step", nil), x, node("B", "step", nil), node("C", "step", nil),
	}, []*models.Edge{
		direct("T", "A"), direct("A", "X"), direct("A", "B"), direct("B", "C"),
	})

	execution := h.start("wf", nil)

	// A, then X and B; whichever of B or C runs after the interrupt parks.
	for range 3 {
		jobs, err := h.queue.Claim(h.ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)

		for _, job := range jobs {
			require.NoError(t, h.engine.ExecuteNode(h.ctx, job))
		}
	}

	require.Equal(t, models.ExecutionStatusInterrupted, h.execution(execution.ID).Status)

	_, err := h.engine.Resume(h.ctx, execution.ID, "go")
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(execution.ID).Status)
	assert.Equal(t, 1, h.steps.count("X"))
	assert.Equal(t, 1, h.steps.count("C"))
}

func TestEngine_ExpiredTaskIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	interruptAfterWorkflow(h)

	execution := h.start("wf", nil)
	h.drain()

	h.advance(DefaultConfirmationTTL + time.Minute)

	_, err := h.engine.Resume(h.ctx, execution.ID, "yes")
	assert.True(t, persistence.IsPendingTaskNotFound(err))

	_, err = h.engine.CancelPending(h.ctx, execution.ID)
	assert.True(t, persistence.IsPendingTaskNotFound(err))

	expired, err := h.engine.ExpirePendingTasks(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	cancelled := h.execution(execution.ID)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)
	assert.Contains(t, cancelled.ErrorMessage, "expired")
	assert.Contains(t, h.events.types(events.ExecutionChannel(execution.ID)), events.ExecutionCancelledEvent)
	h.assertNoEphemeralKeys(execution.ID)

	expired, err = h.engine.ExpirePendingTasks(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestEngine_CancelPending(t *testing.T) {
	h := newHarness(t, nil)
	interruptAfterWorkflow(h)

	execution := h.start("wf", nil)
	h.drain()

	cancelled, err := h.engine.CancelPending(h.ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	h.drain()
	assert.Equal(t, 0, h.steps.count("Y"))

	_, err = h.engine.Resume(h.ctx, execution.ID, "yes")
	require.ErrorIs(t, err, ErrNotInterrupted)
}

type unavailableExecutions struct {
	persistence.ExecutionRepository
}

func (unavailableExecutions) Update(context.Context, string, persistence.ExecutionMutation) (*models.Execution, error) {
	return nil, errors.New("database unavailable")
}

type withExecutions struct {
	persistence.Persistence
	executions persistence.ExecutionRepository
}

func (p withExecutions) Executions() persistence.ExecutionRepository {
	return p.executions
}

func TestEngine_ResumeKeepsTaskWhenTransitionFails(t *testing.T) {
	h := newHarness(t, nil)
	interruptAfterWorkflow(h)

	execution := h.start("wf", nil)
	h.drain()

	task, err := h.persistence.PendingTasks().GetByExecution(h.ctx, execution.ID)
	require.NoError(t, err)

	h.engine.persistence = withExecutions{
		Persistence: h.persistence,
		executions:  unavailableExecutions{h.persistence.Executions()},
	}

	_, err = h.engine.Resume(h.ctx, execution.ID, "yes")
	require.ErrorContains(t, err, "database unavailable")

	h.engine.persistence = h.persistence

	assert.Equal(t, models.ExecutionStatusInterrupted, h.execution(execution.ID).Status)

	restored, err := h.persistence.PendingTasks().GetByExecution(h.ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, restored.ID)
	assert.Equal(t, task.ExpiresAt, restored.ExpiresAt)

	_, err = h.engine.Resume(h.ctx, execution.ID, "yes")
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(execution.ID).Status)
	assert.Equal(t, 1, h.steps.count("Y"))
}
