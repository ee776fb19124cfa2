package transform

import (
	"context"

	"github.com/dukex/pipelit/pkg/protocol"
)

type TransformNodeFactory struct{}

func NewTransformNodeFactory() protocol.NodeFactory {
	return &TransformNodeFactory{}
}

func (f *TransformNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewTransformNode(id, config)
}

func (f *TransformNodeFactory) ID() string {
	return Kind
}

func (f *TransformNodeFactory) Name() string {
	return "Transform"
}

func (f *TransformNodeFactory) Description() string {
	return "Renders a template over the execution state; JSON results are decoded"
}

func (f *TransformNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Go template rendered against the execution state",
				"examples": []string{
					`{"city": "{{.trigger_payload.city}}"}`,
					"{{.last_message | upper}}",
				},
			},
			"set_output": map[string]any{
				"type":        "boolean",
				"description": "Also store the result as the execution's final output",
				"default":     false,
			},
			"message_role": map[string]any{
				"type":        "string",
				"description": "Append the result to the conversation with this role",
				"enum":        []string{"user", "assistant", "system"},
			},
		},
		"required": []string{"expression"},
	}
}
