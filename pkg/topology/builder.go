// Package topology derives the executable topology of a workflow from a trigger node.
package topology

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/dukex/pipelit/pkg/models"
)

var (
	// ErrTriggerNotFound indicates the trigger node is not part of the workflow.
	ErrTriggerNotFound = errors.New("trigger node not found")

	// ErrEmptyTopology indicates nothing executable is reachable from the trigger.
	ErrEmptyTopology = errors.New("no executable nodes reachable from trigger")
)

// BuildError wraps a failure to derive a topology. It is never retried.
type BuildError struct {
	WorkflowID    string
	TriggerNodeID string
	Err           error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build topology for workflow %s from trigger %s: %v", e.WorkflowID, e.TriggerNodeID, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// IsBuildError checks if an error is a topology build failure.
func IsBuildError(err error) bool {
	var buildErr *BuildError

	return errors.As(err, &buildErr)
}

// Build walks the workflow from triggerNodeID over direct and conditional edges
// and returns the topology of the nodes an execution can reach.
func Build(workflow *models.Workflow, triggerNodeID string) (*models.WorkflowTopology, error) {
	wrap := func(err error) error {
		return &BuildError{WorkflowID: workflow.ID, TriggerNodeID: triggerNodeID, Err: err}
	}

	if workflow.NodeByID(triggerNodeID) == nil {
		return nil, wrap(ErrTriggerNotFound)
	}

	g := newGraph(workflow)

	entries := g.executable(g.flowTargets(triggerNodeID))
	reachable := g.walk(entries, func(string) bool { return true })

	topology := &models.WorkflowTopology{
		WorkflowID:    workflow.ID,
		TriggerNodeID: triggerNodeID,
		Nodes:         make(map[string]*models.TopologyNode),
		EdgesBySource: make(map[string][]models.TopologyEdge),
		EntryNodeIDs:  entries,
		IncomingCount: make(map[string]int),
	}

	for _, id := range reachable {
		topology.Nodes[id] = g.topologyNode(id, "")
	}

	for _, id := range reachable {
		if models.IsLoopKind(g.nodes[id].Kind) {
			g.addLoop(topology, id)
		}
	}

	if len(topology.Nodes) == 0 {
		return nil, wrap(ErrEmptyTopology)
	}

	for id := range topology.Nodes {
		edges := g.topologyEdges(id)
		if len(edges) > 0 {
			topology.EdgesBySource[id] = edges
		}
	}

	for id, node := range topology.Nodes {
		if models.IsMergeKind(node.Kind) {
			topology.IncomingCount[id] = g.incomingCount(id, topology.Nodes)
		}
	}

	return topology, nil
}

type graph struct {
	nodes    map[string]*models.WorkflowNode
	outgoing map[string][]*models.Edge
	incoming map[string][]*models.Edge
}

func newGraph(workflow *models.Workflow) *graph {
	g := &graph{
		nodes:    make(map[string]*models.WorkflowNode, len(workflow.Nodes)),
		outgoing: make(map[string][]*models.Edge),
		incoming: make(map[string][]*models.Edge),
	}

	for _, node := range workflow.Nodes {
		g.nodes[node.ID] = node
	}

	for _, edge := range workflow.Edges {
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)

		for _, target := range edge.Targets() {
			g.incoming[target] = append(g.incoming[target], edge)
		}
	}

	for source := range g.outgoing {
		sort.SliceStable(g.outgoing[source], func(i, j int) bool {
			return g.outgoing[source][i].Priority < g.outgoing[source][j].Priority
		})
	}

	return g
}

func (g *graph) isExecutable(id string) bool {
	node, ok := g.nodes[id]
	if !ok {
		return false
	}

	return !models.IsSubComponentKind(node.Kind) && !models.IsTriggerKind(node.Kind)
}

func (g *graph) executable(ids []string) []string {
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if g.isExecutable(id) && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	return out
}

func (g *graph) flowTargets(id string) []string {
	var targets []string

	for _, edge := range g.outgoing[id] {
		if edge.IsFlow() {
			targets = append(targets, edge.Targets()...)
		}
	}

	return targets
}

// walk runs a BFS over flow edges from start, visiting only executable nodes
// accepted by allow. Results are in discovery order.
func (g *graph) walk(start []string, allow func(string) bool) []string {
	visited := make(map[string]struct{})
	order := make([]string, 0, len(g.nodes))
	queue := make([]string, 0, len(start))

	for _, id := range start {
		if _, seen := visited[id]; seen || !g.isExecutable(id) || !allow(id) {
			continue
		}

		visited[id] = struct{}{}
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, target := range g.flowTargets(id) {
			if _, seen := visited[target]; seen || !g.isExecutable(target) || !allow(target) {
				continue
			}

			visited[target] = struct{}{}
			queue = append(queue, target)
		}
	}

	return order
}

func (g *graph) topologyNode(id, loopID string) *models.TopologyNode {
	node := g.nodes[id]

	topologyNode := &models.TopologyNode{
		ID:              node.ID,
		Kind:            node.Kind,
		Config:          maps.Clone(node.Config),
		InterruptBefore: node.InterruptBefore,
		InterruptAfter:  node.InterruptAfter,
		LoopID:          loopID,
	}

	for _, edge := range g.incoming[id] {
		if !edge.IsAttachment() {
			continue
		}

		component, ok := g.nodes[edge.Source]
		if !ok {
			continue
		}

		topologyNode.Attachments = append(topologyNode.Attachments, models.Attachment{
			Label:  edge.EffectiveLabel(),
			NodeID: component.ID,
			Kind:   component.Kind,
			Config: maps.Clone(component.Config),
		})
	}

	return topologyNode
}

func (g *graph) topologyEdges(id string) []models.TopologyEdge {
	var edges []models.TopologyEdge

	for _, edge := range g.outgoing[id] {
		switch edge.EffectiveLabel() {
		case models.EdgeLabelDirect:
			if !g.isExecutable(edge.Target) {
				continue
			}

			edges = append(edges, models.TopologyEdge{
				Target:   edge.Target,
				Kind:     models.EdgeKindDirect,
				Priority: edge.Priority,
			})
		case models.EdgeLabelConditional:
			edges = append(edges, models.TopologyEdge{
				Target:           edge.Target,
				Kind:             models.EdgeKindConditional,
				ConditionMapping: maps.Clone(edge.ConditionMapping),
				Priority:         edge.Priority,
			})
		}
	}

	return edges
}

// incomingCount counts distinct in-topology predecessors reaching id over flow
// edges. Loop-return edges never count.
func (g *graph) incomingCount(id string, nodes map[string]*models.TopologyNode) int {
	sources := make(map[string]struct{})

	for _, edge := range g.incoming[id] {
		if !edge.IsFlow() {
			continue
		}

		if _, ok := nodes[edge.Source]; !ok {
			continue
		}

		sources[edge.Source] = struct{}{}
	}

	return len(sources)
}

func (g *graph) addLoop(topology *models.WorkflowTopology, loopID string) {
	var bodies, returns []string

	for _, edge := range g.outgoing[loopID] {
		if edge.EffectiveLabel() == models.EdgeLabelLoopBody {
			bodies = append(bodies, g.executable(edge.Targets())...)
		}
	}

	for _, edge := range g.incoming[loopID] {
		if edge.EffectiveLabel() == models.EdgeLabelLoopReturn && g.isExecutable(edge.Source) {
			returns = append(returns, edge.Source)
		}
	}

	body := g.walk(bodies, func(id string) bool { return id != loopID })

	if topology.LoopBodies == nil {
		topology.LoopBodies = make(map[string][]string)
		topology.LoopReturnNodes = make(map[string][]string)
		topology.LoopBodyAllNodes = make(map[string][]string)
	}

	topology.LoopBodies[loopID] = bodies
	topology.LoopReturnNodes[loopID] = slices.Compact(slices.Sorted(slices.Values(returns)))
	topology.LoopBodyAllNodes[loopID] = body

	for _, id := range body {
		if _, exists := topology.Nodes[id]; !exists {
			topology.Nodes[id] = g.topologyNode(id, loopID)
		}
	}
}
