package subworkflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSpawner struct {
	mock.Mock
}

func (m *mockSpawner) SpawnChild(ctx context.Context, req protocol.SpawnRequest) (string, error) {
	args := m.Called(ctx, req)

	return args.String(0), args.Error(1)
}

func newNode(t *testing.T, config map[string]any) *SubworkflowNode {
	t.Helper()

	base := map[string]any{"workflow_id": "child-wf", "trigger_node_id": "start"}
	for k, v := range config {
		base[k] = v
	}

	node, err := NewSubworkflowNode("sub", base)
	require.NoError(t, err)

	return node
}

func TestNewSubworkflowNode_Required(t *testing.T) {
	_, err := NewSubworkflowNode("sub", map[string]any{"trigger_node_id": "start"})
	require.EqualError(t, err, "missing required field 'workflow_id'")

	_, err = NewSubworkflowNode("sub", map[string]any{"workflow_id": "wf"})
	require.EqualError(t, err, "missing required field 'trigger_node_id'")
}

func TestSubworkflowNode_Spawns(t *testing.T) {
	node := newNode(t, map[string]any{"timeout_seconds": float64(30)})
	spawner := &mockSpawner{}
	spawner.On("SpawnChild", mock.Anything, protocol.SpawnRequest{
		ParentExecutionID: "parent",
		ParentNodeID:      "sub",
		WorkflowID:        "child-wf",
		TriggerNodeID:     "start",
		Payload:           map[string]any{"text": "hello"},
	}).Return("child-1", nil)

	state := models.NewExecutionState("parent", "wf", map[string]any{"text": "hello"}, nil)

	result, err := node.Execute(context.Background(), protocol.NodeContext{ExecutionID: "parent", NodeID: "sub", Children: spawner}, state)
	require.NoError(t, err)
	require.NotNil(t, result.SpawnChild)
	assert.Equal(t, "child-1", result.SpawnChild.ExecutionID)
	assert.Equal(t, 30*time.Second, result.SpawnChild.Timeout)

	spawner.AssertExpectations(t)
}

func TestSubworkflowNode_RenderedInput(t *testing.T) {
	node := newNode(t, map[string]any{"input": `{"city": "{{.trigger_payload.city}}"}`})
	spawner := &mockSpawner{}
	spawner.On("SpawnChild", mock.Anything, mock.MatchedBy(func(req protocol.SpawnRequest) bool {
		return req.Payload["city"] == "Porto"
	})).Return("child-1", nil)

	state := models.NewExecutionState("parent", "wf", map[string]any{"city": "Porto"}, nil)

	_, err := node.Execute(context.Background(), protocol.NodeContext{ExecutionID: "parent", Children: spawner}, state)
	require.NoError(t, err)
	spawner.AssertExpectations(t)
}

func TestSubworkflowNode_ChildResult(t *testing.T) {
	node := newNode(t, nil)

	state := models.NewExecutionState("parent", "wf", nil, nil)
	state.SetChildResult("sub", models.ChildResult{ExecutionID: "child-1", Output: "sunny"})

	result, err := node.Execute(context.Background(), protocol.NodeContext{}, state)
	require.NoError(t, err)
	require.NotNil(t, result.Update)
	assert.Equal(t, "sunny", result.Update.NodeOutput)
	require.Len(t, result.Update.Messages, 1)

	state.SetChildResult("sub", models.ChildResult{ExecutionID: "child-1", Error: "child execution timed out"})

	_, err = node.Execute(context.Background(), protocol.NodeContext{}, state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "child execution timed out")
}

func TestSubworkflowNode_SpawnErrors(t *testing.T) {
	node := newNode(t, nil)
	state := models.NewExecutionState("parent", "wf", nil, nil)

	_, err := node.Execute(context.Background(), protocol.NodeContext{}, state)
	require.ErrorIs(t, err, ErrNoSpawner)

	spawner := &mockSpawner{}
	spawner.On("SpawnChild", mock.Anything, mock.Anything).Return("", errors.New("workflow not found"))

	_, err = node.Execute(context.Background(), protocol.NodeContext{Children: spawner}, state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to spawn child workflow child-wf")
}
