package merge

import (
	"context"

	"github.com/dukex/pipelit/pkg/protocol"
)

type MergeNodeFactory struct{}

func NewMergeNodeFactory() protocol.NodeFactory {
	return &MergeNodeFactory{}
}

func (f *MergeNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewMergeNode(id, config)
}

func (f *MergeNodeFactory) ID() string {
	return Kind
}

func (f *MergeNodeFactory) Name() string {
	return "Merge"
}

func (f *MergeNodeFactory) Description() string {
	return "Waits for every incoming branch and combines their outputs"
}

func (f *MergeNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sources": map[string]any{
				"type":        "array",
				"description": "Node ids whose outputs are merged; all outputs when omitted",
				"items":       map[string]any{"type": "string"},
				"examples":    [][]string{{"weather", "calendar"}},
			},
		},
	}
}
