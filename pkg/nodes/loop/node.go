// Package loop provides the loop node. It resolves the items to iterate; the
// engine then runs the loop body once per item.
package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/template"
)

const Kind = models.NodeKindLoop

type LoopNode struct {
	id    string
	items string
}

func NewLoopNode(id string, config map[string]any) (*LoopNode, error) {
	items, ok := config["items"].(string)
	if !ok || items == "" {
		return nil, errors.New("missing required field 'items'")
	}

	return &LoopNode{id: id, items: items}, nil
}

func (n *LoopNode) ID() string   { return n.id }
func (n *LoopNode) Kind() string { return Kind }

func (n *LoopNode) Execute(_ context.Context, nc protocol.NodeContext, state *models.ExecutionState) (protocol.Result, error) {
	loopID := ""
	if nc.Node != nil {
		loopID = nc.Node.LoopID
	}

	rendered, err := template.RenderState(n.items, state, loopID)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to resolve loop items: %w", err)
	}

	items, ok := rendered.([]any)
	if !ok {
		return protocol.Result{}, fmt.Errorf("loop items must be a list, got %T", rendered)
	}

	return protocol.Update(&models.StateUpdate{
		Loop: &models.LoopState{Items: items},
		NodeOutput: map[string]any{
			"count": len(items),
		},
	}), nil
}
