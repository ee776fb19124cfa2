package confirmation

import (
	"context"
	"testing"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmationNode_InterruptsFirst(t *testing.T) {
	node, err := NewConfirmationNode("approve", map[string]any{"prompt": "Send to {{.trigger_payload.to}}?"})
	require.NoError(t, err)

	state := models.NewExecutionState("e1", "wf", map[string]any{"to": "ops"}, nil)

	result, err := node.Execute(context.Background(), protocol.NodeContext{NodeID: "approve"}, state)
	require.NoError(t, err)
	require.NotNil(t, result.Interrupt)
	assert.Nil(t, result.Update)
	assert.Equal(t, "Send to ops?", result.Interrupt.Prompt)
}

func TestConfirmationNode_Resumed(t *testing.T) {
	node, err := NewConfirmationNode("approve", map[string]any{})
	require.NoError(t, err)

	tests := []struct {
		input string
		route string
	}{
		{input: "yes", route: RouteConfirmed},
		{input: " OK ", route: RouteConfirmed},
		{input: "no", route: RouteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			state := models.NewExecutionState("e1", "wf", nil, nil)
			state.SetResumeInput("approve", tt.input)

			result, err := node.Execute(context.Background(), protocol.NodeContext{NodeID: "approve"}, state)
			require.NoError(t, err)
			require.NotNil(t, result.Update)
			assert.Equal(t, tt.route, *result.Update.Route)
		})
	}
}

func TestConfirmationNode_IgnoresOtherNodesInput(t *testing.T) {
	node, err := NewConfirmationNode("approve", map[string]any{})
	require.NoError(t, err)

	state := models.NewExecutionState("e1", "wf", nil, nil)
	state.SetResumeInput("other", "yes")

	result, err := node.Execute(context.Background(), protocol.NodeContext{NodeID: "approve"}, state)
	require.NoError(t, err)
	assert.NotNil(t, result.Interrupt)
}
