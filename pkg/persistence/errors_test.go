package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordError_WrapsSentinel(t *testing.T) {
	err := fmt.Errorf("load: %w", NewRecordError("GetByID", "execution", "e1", ErrExecutionNotFound))

	assert.True(t, IsExecutionNotFound(err))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsWorkflowNotFound(err))
	assert.Contains(t, err.Error(), "GetByID execution e1")
}

func TestTransition(t *testing.T) {
	execution := &models.Execution{ID: "e1", Status: models.ExecutionStatusRunning}

	err := Transition(models.ExecutionStatusCompleted, func(e *models.Execution) {
		e.FinalOutput = "out"
	})(execution)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, "out", execution.FinalOutput)

	err = Transition(models.ExecutionStatusRunning, func(e *models.Execution) {
		e.FinalOutput = "changed"
	})(execution)
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
	assert.Equal(t, "out", execution.FinalOutput)

	var transitionErr *TransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.Equal(t, models.ExecutionStatusCompleted, transitionErr.From)
}
