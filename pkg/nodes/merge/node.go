// Package merge provides the merge node, the join point of parallel branches.
// The engine only runs it once every incoming branch has arrived.
package merge

import (
	"context"
	"maps"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
)

const Kind = models.NodeKindMerge

// MergeNode collects the outputs of its source nodes into one map.
type MergeNode struct {
	id      string
	sources []string
}

func NewMergeNode(id string, config map[string]any) (*MergeNode, error) {
	var sources []string

	if raw, ok := config["sources"].([]any); ok {
		for _, s := range raw {
			if source, ok := s.(string); ok && source != "" {
				sources = append(sources, source)
			}
		}
	}

	return &MergeNode{id: id, sources: sources}, nil
}

func (n *MergeNode) ID() string   { return n.id }
func (n *MergeNode) Kind() string { return Kind }

// Execute merges the configured sources, or every node output when none are
// configured. Branch results written by the branches themselves are included.
func (n *MergeNode) Execute(_ context.Context, _ protocol.NodeContext, state *models.ExecutionState) (protocol.Result, error) {
	merged := make(map[string]any)

	if len(n.sources) == 0 {
		for id, output := range state.NodeOutputs {
			if id != n.id {
				merged[id] = output
			}
		}
	} else {
		for _, source := range n.sources {
			if output, ok := state.NodeOutputs[source]; ok {
				merged[source] = output
			}
		}
	}

	branches := maps.Clone(state.BranchResults)

	return protocol.Update(&models.StateUpdate{
		NodeOutput: map[string]any{
			"merged":   merged,
			"branches": branches,
		},
	}), nil
}
