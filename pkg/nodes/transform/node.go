// Package transform provides the transform node, which renders a template
// over the execution state and stores the result.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/template"
)

const Kind = "transform"

type TransformNode struct {
	id         string
	expression string
	setOutput  bool
	role       string
}

func NewTransformNode(id string, config map[string]any) (*TransformNode, error) {
	expression, ok := config["expression"].(string)
	if !ok {
		return nil, errors.New("missing required field 'expression'")
	}

	setOutput, _ := config["set_output"].(bool)
	role, _ := config["message_role"].(string)

	return &TransformNode{
		id:         id,
		expression: expression,
		setOutput:  setOutput,
		role:       role,
	}, nil
}

func (n *TransformNode) ID() string   { return n.id }
func (n *TransformNode) Kind() string { return Kind }

// Execute stores the rendered value as the node output. With set_output it
// also becomes the execution's explicit output; with message_role it is
// appended to the conversation.
func (n *TransformNode) Execute(_ context.Context, nc protocol.NodeContext, state *models.ExecutionState) (protocol.Result, error) {
	loopID := ""
	if nc.Node != nil {
		loopID = nc.Node.LoopID
	}

	result, err := template.RenderState(n.expression, state, loopID)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("transformation failed: %w", err)
	}

	update := &models.StateUpdate{NodeOutput: result}

	if n.setOutput {
		update.Output = result
	}

	if n.role != "" {
		update.Messages = []models.Message{{
			Role:    n.role,
			Content: fmt.Sprint(result),
			NodeID:  n.id,
		}}
	}

	return protocol.Update(update), nil
}
