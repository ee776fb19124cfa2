// Package switchnode provides the switch node, which picks the route a
// conditional edge follows.
package switchnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/template"
)

const Kind = "switch"

// SwitchNode renders value and maps it through cases to a route. Without a
// matching case the fallback is used; without a fallback the rendered value
// itself becomes the route.
type SwitchNode struct {
	id       string
	value    string
	cases    map[string]string
	fallback string
}

func NewSwitchNode(id string, config map[string]any) (*SwitchNode, error) {
	value, ok := config["value"].(string)
	if !ok {
		return nil, errors.New("missing required field 'value'")
	}

	cases := make(map[string]string)

	if casesConfig, ok := config["cases"].([]any); ok {
		for i, caseAny := range casesConfig {
			caseMap, ok := caseAny.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("case %d must be an object", i)
			}

			caseValue, ok := caseMap["value"].(string)
			if !ok {
				return nil, fmt.Errorf("case %d missing 'value'", i)
			}

			route, ok := caseMap["route"].(string)
			if !ok {
				return nil, fmt.Errorf("case %d missing 'route'", i)
			}

			cases[caseValue] = route
		}
	}

	fallback, _ := config["default"].(string)

	return &SwitchNode{id: id, value: value, cases: cases, fallback: fallback}, nil
}

func (n *SwitchNode) ID() string   { return n.id }
func (n *SwitchNode) Kind() string { return Kind }

func (n *SwitchNode) Execute(_ context.Context, nc protocol.NodeContext, state *models.ExecutionState) (protocol.Result, error) {
	loopID := ""
	if nc.Node != nil {
		loopID = nc.Node.LoopID
	}

	value, err := template.RenderString(n.value, state, loopID)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to evaluate switch value: %w", err)
	}

	route := n.resolve(value)

	return protocol.Update(&models.StateUpdate{
		Route: &route,
		NodeOutput: map[string]any{
			"value": value,
			"route": route,
		},
	}), nil
}

func (n *SwitchNode) resolve(value string) string {
	if route, ok := n.cases[value]; ok {
		return route
	}

	if n.fallback != "" {
		return n.fallback
	}

	return value
}
