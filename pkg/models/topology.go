package models

// EdgeKind is the flow kind of a topology edge.
type EdgeKind string

const (
	EdgeKindDirect      EdgeKind = "direct"
	EdgeKindConditional EdgeKind = "conditional"
)

// WorkflowTopology is the executable view of a workflow derived from a trigger node.
// It is built once per execution and cached for the lifetime of that execution.
type WorkflowTopology struct {
	WorkflowID       string                    `json:"workflow_id"`
	TriggerNodeID    string                    `json:"trigger_node_id"`
	Nodes            map[string]*TopologyNode  `json:"nodes"`
	EdgesBySource    map[string][]TopologyEdge `json:"edges_by_source"`
	EntryNodeIDs     []string                  `json:"entry_node_ids"`
	IncomingCount    map[string]int            `json:"incoming_count"`
	LoopBodies       map[string][]string       `json:"loop_bodies,omitempty"`
	LoopReturnNodes  map[string][]string       `json:"loop_return_nodes,omitempty"`
	LoopBodyAllNodes map[string][]string       `json:"loop_body_all_nodes,omitempty"`
}

// TopologyNode is an executable node in a topology.
type TopologyNode struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Config          map[string]any `json:"config,omitempty"`
	InterruptBefore bool           `json:"interrupt_before,omitempty"`
	InterruptAfter  bool           `json:"interrupt_after,omitempty"`
	LoopID          string         `json:"loop_id,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
}

// Attachment is a sub-component wired into a node. The node callback resolves it.
type Attachment struct {
	Label  EdgeLabel      `json:"label"`
	NodeID string         `json:"node_id"`
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// TopologyEdge is an outgoing flow edge of a topology node.
type TopologyEdge struct {
	Target           string            `json:"target,omitempty"`
	Kind             EdgeKind          `json:"kind"`
	ConditionMapping map[string]string `json:"condition_mapping,omitempty"`
	Priority         int               `json:"priority,omitempty"`
}

// Node returns the topology node with the given id.
func (t *WorkflowTopology) Node(id string) (*TopologyNode, bool) {
	node, ok := t.Nodes[id]

	return node, ok
}

// IsLoopReturnNode reports whether nodeID closes an iteration of loopID.
func (t *WorkflowTopology) IsLoopReturnNode(loopID, nodeID string) bool {
	for _, id := range t.LoopReturnNodes[loopID] {
		if id == nodeID {
			return true
		}
	}

	return false
}
