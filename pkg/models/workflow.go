// Package models defines the graph, execution and scheduling models shared by the engine.
package models

import (
	"maps"
	"slices"
	"strings"
)

// EdgeLabel identifies how an edge participates in a workflow graph.
type EdgeLabel string

const (
	EdgeLabelDirect      EdgeLabel = "direct"
	EdgeLabelConditional EdgeLabel = "conditional"
	EdgeLabelLoopBody    EdgeLabel = "loop_body"
	EdgeLabelLoopReturn  EdgeLabel = "loop_return"
	EdgeLabelTool        EdgeLabel = "tool"
	EdgeLabelModel       EdgeLabel = "model"
	EdgeLabelSkill       EdgeLabel = "skill"
	EdgeLabelMemory      EdgeLabel = "memory"
)

// EndSentinel is the condition mapping value that terminates a branch.
const EndSentinel = "__end__"

// Built-in node kinds the engine treats specially.
const (
	NodeKindMerge       = "merge"
	NodeKindLoop        = "loop"
	NodeKindAIModel     = "ai_model"
	NodeKindModelConfig = "model_config"
	NodeKindTool        = "tool"
	NodeKindToolConfig  = "tool_config"
	NodeKindSkill       = "skill"
	NodeKindMemory      = "memory"

	TriggerKindPrefix = "trigger_"
)

// Workflow is the read-only graph definition an execution runs against.
type Workflow struct {
	ID    string          `json:"id"              validate:"required"`
	Slug  string          `json:"slug,omitempty"`
	Name  string          `json:"name"            validate:"required"`
	Nodes []*WorkflowNode `json:"nodes"           validate:"dive"`
	Edges []*Edge         `json:"edges"           validate:"dive"`
}

// WorkflowNode is a node instance in a workflow graph.
type WorkflowNode struct {
	ID              string         `json:"id"                         validate:"required"`
	Name            string         `json:"name"`
	Kind            string         `json:"kind"                       validate:"required"`
	Config          map[string]any `json:"config,omitempty"`
	InterruptBefore bool           `json:"interrupt_before,omitempty"`
	InterruptAfter  bool           `json:"interrupt_after,omitempty"`
}

// Edge connects two nodes. Conditional edges route through ConditionMapping
// (route value -> target node id) and may leave Target empty.
type Edge struct {
	ID               string            `json:"id"`
	Source           string            `json:"source"                      validate:"required"`
	Target           string            `json:"target,omitempty"`
	Label            EdgeLabel         `json:"label,omitempty"`
	ConditionMapping map[string]string `json:"condition_mapping,omitempty"`
	Priority         int               `json:"priority,omitempty"`
}

// EffectiveLabel treats an empty label as a direct edge.
func (e *Edge) EffectiveLabel() EdgeLabel {
	if e.Label == "" {
		return EdgeLabelDirect
	}

	return e.Label
}

// IsFlow reports whether the edge carries control flow (direct or conditional).
func (e *Edge) IsFlow() bool {
	label := e.EffectiveLabel()

	return label == EdgeLabelDirect || label == EdgeLabelConditional
}

// IsAttachment reports whether the edge wires a sub-component into a node.
func (e *Edge) IsAttachment() bool {
	switch e.EffectiveLabel() {
	case EdgeLabelTool, EdgeLabelModel, EdgeLabelSkill, EdgeLabelMemory:
		return true
	default:
		return false
	}
}

// Targets returns every node id the edge can lead to. The end sentinel is skipped.
func (e *Edge) Targets() []string {
	seen := make(map[string]struct{})
	targets := make([]string, 0, 1+len(e.ConditionMapping))

	add := func(id string) {
		if id == "" || id == EndSentinel {
			return
		}

		if _, ok := seen[id]; ok {
			return
		}

		seen[id] = struct{}{}
		targets = append(targets, id)
	}

	add(e.Target)

	for _, route := range slices.Sorted(maps.Keys(e.ConditionMapping)) {
		add(e.ConditionMapping[route])
	}

	return targets
}

// NodeByID returns the node with the given id or nil.
func (w *Workflow) NodeByID(id string) *WorkflowNode {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// IsSubComponentKind reports kinds that are attached to other nodes and never scheduled.
func IsSubComponentKind(kind string) bool {
	switch kind {
	case NodeKindAIModel, NodeKindModelConfig, NodeKindTool, NodeKindToolConfig, NodeKindSkill, NodeKindMemory:
		return true
	default:
		return false
	}
}

func IsTriggerKind(kind string) bool {
	return strings.HasPrefix(kind, TriggerKindPrefix)
}

func IsMergeKind(kind string) bool {
	return kind == NodeKindMerge
}

func IsLoopKind(kind string) bool {
	return kind == NodeKindLoop
}
