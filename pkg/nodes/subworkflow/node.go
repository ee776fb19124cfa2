// Package subworkflow provides the subworkflow node, which runs another
// workflow as a child execution and waits for its result.
package subworkflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/template"
)

const Kind = "subworkflow"

var ErrNoSpawner = errors.New("subworkflow node requires a child spawner")

type SubworkflowNode struct {
	id            string
	workflowID    string
	triggerNodeID string
	input         string
	timeout       time.Duration
}

func NewSubworkflowNode(id string, config map[string]any) (*SubworkflowNode, error) {
	workflowID, _ := config["workflow_id"].(string)
	if workflowID == "" {
		return nil, errors.New("missing required field 'workflow_id'")
	}

	triggerNodeID, _ := config["trigger_node_id"].(string)
	if triggerNodeID == "" {
		return nil, errors.New("missing required field 'trigger_node_id'")
	}

	input, _ := config["input"].(string)

	var timeout time.Duration

	// JSON numbers decode as float64.
	switch v := config["timeout_seconds"].(type) {
	case float64:
		timeout = time.Duration(v * float64(time.Second))
	case int:
		timeout = time.Duration(v) * time.Second
	}

	return &SubworkflowNode{
		id:            id,
		workflowID:    workflowID,
		triggerNodeID: triggerNodeID,
		input:         input,
		timeout:       timeout,
	}, nil
}

func (n *SubworkflowNode) ID() string   { return n.id }
func (n *SubworkflowNode) Kind() string { return Kind }

// Execute spawns the child on the first run. When the engine re-runs the node
// with the child's result injected, the result becomes the node output.
func (n *SubworkflowNode) Execute(ctx context.Context, nc protocol.NodeContext, state *models.ExecutionState) (protocol.Result, error) {
	if child, ok := state.ChildResultFor(n.id); ok {
		if child.Error != "" {
			return protocol.Result{}, fmt.Errorf("child execution %s failed: %s", child.ExecutionID, child.Error)
		}

		return protocol.Update(&models.StateUpdate{
			NodeOutput: child.Output,
			Messages:   childMessage(n.id, child.Output),
		}), nil
	}

	if nc.Children == nil {
		return protocol.Result{}, ErrNoSpawner
	}

	payload, err := n.payload(state, nc)
	if err != nil {
		return protocol.Result{}, err
	}

	childID, err := nc.Children.SpawnChild(ctx, protocol.SpawnRequest{
		ParentExecutionID: nc.ExecutionID,
		ParentNodeID:      n.id,
		WorkflowID:        n.workflowID,
		TriggerNodeID:     n.triggerNodeID,
		Payload:           payload,
		UserContext:       state.UserContext,
	})
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to spawn child workflow %s: %w", n.workflowID, err)
	}

	return protocol.Spawn(childID, n.timeout), nil
}

// payload renders the input template. An object result is passed as is; any
// other value is wrapped as the child's text input. Without a template the
// last message is forwarded.
func (n *SubworkflowNode) payload(state *models.ExecutionState, nc protocol.NodeContext) (map[string]any, error) {
	if n.input == "" {
		text, _ := state.LastMessage()

		return map[string]any{"text": text}, nil
	}

	loopID := ""
	if nc.Node != nil {
		loopID = nc.Node.LoopID
	}

	rendered, err := template.RenderState(n.input, state, loopID)
	if err != nil {
		return nil, fmt.Errorf("failed to render child input: %w", err)
	}

	if obj, ok := rendered.(map[string]any); ok {
		return obj, nil
	}

	return map[string]any{"text": fmt.Sprint(rendered)}, nil
}

func childMessage(nodeID string, output any) []models.Message {
	text, ok := output.(string)
	if !ok || text == "" {
		return nil
	}

	return []models.Message{{Role: "assistant", Content: text, NodeID: nodeID}}
}
