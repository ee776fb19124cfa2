package switchnode

import (
	"context"

	"github.com/dukex/pipelit/pkg/protocol"
)

type SwitchNodeFactory struct{}

func NewSwitchNodeFactory() protocol.NodeFactory {
	return &SwitchNodeFactory{}
}

func (f *SwitchNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewSwitchNode(id, config)
}

func (f *SwitchNodeFactory) ID() string {
	return Kind
}

func (f *SwitchNodeFactory) Name() string {
	return "Switch"
}

func (f *SwitchNodeFactory) Description() string {
	return "Evaluates a value and sets the route followed by outgoing conditional edges"
}

func (f *SwitchNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value": map[string]any{
				"type":        "string",
				"description": "Template evaluated against the execution state",
				"examples":    []string{"{{.trigger_payload.kind}}", "{{.node_outputs.classify.label}}"},
			},
			"cases": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"value": map[string]any{"type": "string"},
						"route": map[string]any{"type": "string"},
					},
					"required": []string{"value", "route"},
				},
			},
			"default": map[string]any{
				"type":        "string",
				"description": "Route used when no case matches",
			},
		},
		"required": []string{"value"},
	}
}
