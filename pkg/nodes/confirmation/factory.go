package confirmation

import (
	"context"

	"github.com/dukex/pipelit/pkg/protocol"
)

type ConfirmationNodeFactory struct{}

func NewConfirmationNodeFactory() protocol.NodeFactory {
	return &ConfirmationNodeFactory{}
}

func (f *ConfirmationNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewConfirmationNode(id, config)
}

func (f *ConfirmationNodeFactory) ID() string {
	return Kind
}

func (f *ConfirmationNodeFactory) Name() string {
	return "Human Confirmation"
}

func (f *ConfirmationNodeFactory) Description() string {
	return "Pauses the execution until a person answers; routes 'confirmed' or 'rejected'"
}

func (f *ConfirmationNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Question shown to the person; supports templating",
				"examples":    []string{"Send {{.node_outputs.draft}}?"},
			},
		},
	}
}
