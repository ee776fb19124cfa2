package switchnode

import (
	"context"
	"testing"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSwitchNode_Errors(t *testing.T) {
	_, err := NewSwitchNode("s", map[string]any{})
	require.EqualError(t, err, "missing required field 'value'")

	_, err = NewSwitchNode("s", map[string]any{"value": "x", "cases": []any{"nope"}})
	require.EqualError(t, err, "case 0 must be an object")

	_, err = NewSwitchNode("s", map[string]any{"value": "x", "cases": []any{map[string]any{"value": "a"}}})
	require.EqualError(t, err, "case 0 missing 'route'")
}

func TestSwitchNode_Execute(t *testing.T) {
	config := map[string]any{
		"value": "{{.trigger_payload.status}}",
		"cases": []any{
			map[string]any{"value": "active", "route": "notify"},
			map[string]any{"value": "inactive", "route": "archive"},
		},
	}

	tests := []struct {
		name     string
		status   string
		fallback string
		want     string
	}{
		{name: "matching case", status: "active", want: "notify"},
		{name: "second case", status: "inactive", want: "archive"},
		{name: "fallback", status: "unknown", fallback: "review", want: "review"},
		{name: "raw value without fallback", status: "unknown", want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := map[string]any{"value": config["value"], "cases": config["cases"]}
			if tt.fallback != "" {
				cfg["default"] = tt.fallback
			}

			node, err := NewSwitchNode("s", cfg)
			require.NoError(t, err)

			state := models.NewExecutionState("e1", "wf", map[string]any{"status": tt.status}, nil)

			result, err := node.Execute(context.Background(), protocol.NodeContext{NodeID: "s"}, state)
			require.NoError(t, err)
			require.NotNil(t, result.Update)
			require.NotNil(t, result.Update.Route)
			assert.Equal(t, tt.want, *result.Update.Route)
		})
	}
}
