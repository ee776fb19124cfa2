package merge

import (
	"context"
	"testing"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newState() *models.ExecutionState {
	state := models.NewExecutionState("e1", "wf", nil, nil)
	state.Merge("a", &models.StateUpdate{NodeOutput: "A", BranchResults: map[string]any{"a": 1}})
	state.Merge("b", &models.StateUpdate{NodeOutput: "B", BranchResults: map[string]any{"b": 2}})
	state.Merge("c", &models.StateUpdate{NodeOutput: "C"})

	return state
}

func TestMergeNode_AllOutputs(t *testing.T) {
	node, err := NewMergeNode("join", map[string]any{})
	require.NoError(t, err)

	result, err := node.Execute(context.Background(), protocol.NodeContext{}, newState())
	require.NoError(t, err)

	output, ok := result.Update.NodeOutput.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": "A", "b": "B", "c": "C"}, output["merged"])
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, output["branches"])
}

func TestMergeNode_Sources(t *testing.T) {
	node, err := NewMergeNode("join", map[string]any{"sources": []any{"a", "c", "missing"}})
	require.NoError(t, err)

	result, err := node.Execute(context.Background(), protocol.NodeContext{}, newState())
	require.NoError(t, err)

	output := result.Update.NodeOutput.(map[string]any)
	assert.Equal(t, map[string]any{"a": "A", "c": "C"}, output["merged"])
}
