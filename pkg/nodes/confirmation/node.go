// Package confirmation provides the human_confirmation node. Its first run
// pauses the execution with a prompt; the resumed run turns the answer into a route.
package confirmation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/template"
)

const (
	Kind = "human_confirmation"

	RouteConfirmed = "confirmed"
	RouteRejected  = "rejected"
)

var affirmative = []string{"y", "yes", "ok", "approve", "approved", "confirm", "true"}

type ConfirmationNode struct {
	id     string
	prompt string
}

func NewConfirmationNode(id string, config map[string]any) (*ConfirmationNode, error) {
	prompt, _ := config["prompt"].(string)
	if prompt == "" {
		prompt = "Confirm to continue"
	}

	return &ConfirmationNode{id: id, prompt: prompt}, nil
}

func (n *ConfirmationNode) ID() string   { return n.id }
func (n *ConfirmationNode) Kind() string { return Kind }

func (n *ConfirmationNode) Execute(_ context.Context, nc protocol.NodeContext, state *models.ExecutionState) (protocol.Result, error) {
	if input, ok := state.ResumeInputFor(n.id); ok {
		confirmed := IsAffirmative(input)

		route := RouteRejected
		if confirmed {
			route = RouteConfirmed
		}

		return protocol.Update(&models.StateUpdate{
			Route: &route,
			NodeOutput: map[string]any{
				"input":     input,
				"confirmed": confirmed,
			},
			Messages: []models.Message{{Role: "user", Content: input, NodeID: n.id}},
		}), nil
	}

	loopID := ""
	if nc.Node != nil {
		loopID = nc.Node.LoopID
	}

	prompt, err := template.RenderString(n.prompt, state, loopID)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to render confirmation prompt: %w", err)
	}

	return protocol.Interrupt(prompt), nil
}

// IsAffirmative reports whether a confirmation answer approves.
func IsAffirmative(input string) bool {
	return slices.Contains(affirmative, strings.ToLower(strings.TrimSpace(input)))
}
