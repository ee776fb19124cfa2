package subworkflow

import (
	"context"

	"github.com/dukex/pipelit/pkg/protocol"
)

type SubworkflowNodeFactory struct{}

func NewSubworkflowNodeFactory() protocol.NodeFactory {
	return &SubworkflowNodeFactory{}
}

func (f *SubworkflowNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewSubworkflowNode(id, config)
}

func (f *SubworkflowNodeFactory) ID() string {
	return Kind
}

func (f *SubworkflowNodeFactory) Name() string {
	return "Subworkflow"
}

func (f *SubworkflowNodeFactory) Description() string {
	return "Runs another workflow as a child execution and resumes with its output"
}

func (f *SubworkflowNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"workflow_id":     map[string]any{"type": "string", "minLength": 1},
			"trigger_node_id": map[string]any{"type": "string", "minLength": 1},
			"input": map[string]any{
				"type":        "string",
				"description": "Template for the child trigger payload; defaults to the last message",
			},
			"timeout_seconds": map[string]any{
				"type":        "number",
				"minimum":     1,
				"description": "Overrides the default child deadline",
			},
		},
		"required": []string{"workflow_id", "trigger_node_id"},
	}
}
