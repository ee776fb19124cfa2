package loop

import (
	"context"

	"github.com/dukex/pipelit/pkg/protocol"
)

type LoopNodeFactory struct{}

func NewLoopNodeFactory() protocol.NodeFactory {
	return &LoopNodeFactory{}
}

func (f *LoopNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewLoopNode(id, config)
}

func (f *LoopNodeFactory) ID() string {
	return Kind
}

func (f *LoopNodeFactory) Name() string {
	return "Loop"
}

func (f *LoopNodeFactory) Description() string {
	return "Runs the nodes on its loop_body edges once per item"
}

func (f *LoopNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type":        "string",
				"description": "Template that renders to a JSON list",
				"examples":    []string{"{{json .trigger_payload.cities}}"},
			},
		},
		"required": []string{"items"},
	}
}
