package topology_test

import (
	"testing"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id, kind string) *models.WorkflowNode {
	return &models.WorkflowNode{ID: id, Name: id, Kind: kind}
}

func direct(source, target string) *models.Edge {
	return &models.Edge{ID: source + "-" + target, Source: source, Target: target}
}

func labelled(source, target string, label models.EdgeLabel) *models.Edge {
	return &models.Edge{ID: source + "-" + target, Source: source, Target: target, Label: label}
}

func TestBuild_FanOutFanIn(t *testing.T) {
	workflow := &models.Workflow{
		ID: "wf",
		Nodes: []*models.WorkflowNode{
			node("T", "trigger_manual"),
			node("A", "agent"),
			node("B", "agent"),
			node("C", "agent"),
			node("D", models.NodeKindMerge),
			node("M", models.NodeKindAIModel),
			node("X", "agent"),
		},
		Edges: []*models.Edge{
			direct("T", "A"),
			direct("A", "B"),
			direct("A", "C"),
			direct("B", "D"),
			direct("C", "D"),
			labelled("M", "A", models.EdgeLabelModel),
		},
	}

	topo, err := topology.Build(workflow, "T")
	require.NoError(t, err)

	assert.Equal(t, "wf", topo.WorkflowID)
	assert.Equal(t, []string{"A"}, topo.EntryNodeIDs)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, keys(topo.Nodes))
	assert.NotContains(t, topo.Nodes, "X", "unreachable nodes are excluded")
	assert.NotContains(t, topo.Nodes, "M", "sub-components are never scheduled")
	assert.Equal(t, 2, topo.IncomingCount["D"])
	assert.Len(t, topo.EdgesBySource["A"], 2)

	require.Len(t, topo.Nodes["A"].Attachments, 1)
	assert.Equal(t, models.EdgeLabelModel, topo.Nodes["A"].Attachments[0].Label)
	assert.Equal(t, "M", topo.Nodes["A"].Attachments[0].NodeID)
}

func TestBuild_ConditionalEdges(t *testing.T) {
	workflow := &models.Workflow{
		ID: "wf",
		Nodes: []*models.WorkflowNode{
			node("T", "trigger_chat"),
			node("A", "switch"),
			node("B", "agent"),
			node("C", "agent"),
		},
		Edges: []*models.Edge{
			direct("T", "A"),
			{
				ID:               "cond",
				Source:           "A",
				Label:            models.EdgeLabelConditional,
				ConditionMapping: map[string]string{"x": "B", "y": "C", "stop": models.EndSentinel},
			},
		},
	}

	topo, err := topology.Build(workflow, "T")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"A", "B", "C"}, keys(topo.Nodes))
	require.Len(t, topo.EdgesBySource["A"], 1)

	edge := topo.EdgesBySource["A"][0]
	assert.Equal(t, models.EdgeKindConditional, edge.Kind)
	assert.Equal(t, "B", edge.ConditionMapping["x"])
	assert.Equal(t, models.EndSentinel, edge.ConditionMapping["stop"])
}

func TestBuild_LoopReturnEdgesDoNotCountAsIncoming(t *testing.T) {
	workflow := &models.Workflow{
		ID: "wf",
		Nodes: []*models.WorkflowNode{
			node("T", "trigger_manual"),
			node("L", models.NodeKindLoop),
			node("B1", "agent"),
			node("B2", "agent"),
			node("J", models.NodeKindMerge),
			node("P", "agent"),
		},
		Edges: []*models.Edge{
			direct("T", "L"),
			direct("T", "P"),
			labelled("L", "B1", models.EdgeLabelLoopBody),
			direct("B1", "B2"),
			labelled("B2", "L", models.EdgeLabelLoopReturn),
			direct("L", "J"),
			direct("P", "J"),
			labelled("B2", "J", models.EdgeLabelLoopReturn),
		},
	}

	topo, err := topology.Build(workflow, "T")
	require.NoError(t, err)

	assert.Equal(t, []string{"B1"}, topo.LoopBodies["L"])
	assert.Equal(t, []string{"B2"}, topo.LoopReturnNodes["L"])
	assert.Equal(t, []string{"B1", "B2"}, topo.LoopBodyAllNodes["L"])
	assert.Equal(t, "L", topo.Nodes["B1"].LoopID)
	assert.Equal(t, "L", topo.Nodes["B2"].LoopID)
	assert.Equal(t, 2, topo.IncomingCount["J"])
	assert.True(t, topo.IsLoopReturnNode("L", "B2"))
	assert.False(t, topo.IsLoopReturnNode("L", "B1"))
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name     string
		workflow *models.Workflow
		trigger  string
		wantErr  error
	}{
		{
			name:     "missing trigger",
			workflow: &models.Workflow{ID: "wf", Nodes: []*models.WorkflowNode{node("A", "agent")}},
			trigger:  "T",
			wantErr:  topology.ErrTriggerNotFound,
		},
		{
			name: "nothing executable",
			workflow: &models.Workflow{
				ID:    "wf",
				Nodes: []*models.WorkflowNode{node("T", "trigger_manual"), node("M", models.NodeKindAIModel)},
				Edges: []*models.Edge{direct("T", "M")},
			},
			trigger: "T",
			wantErr: topology.ErrEmptyTopology,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo, err := topology.Build(tt.workflow, tt.trigger)
			require.Error(t, err)
			assert.Nil(t, topo)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, topology.IsBuildError(err))
		})
	}
}

func TestBuild_PriorityOrdersEdges(t *testing.T) {
	workflow := &models.Workflow{
		ID: "wf",
		Nodes: []*models.WorkflowNode{
			node("T", "trigger_manual"),
			node("A", "agent"),
			node("B", "agent"),
			node("C", "agent"),
		},
		Edges: []*models.Edge{
			direct("T", "A"),
			{ID: "ac", Source: "A", Target: "C", Priority: 2},
			{ID: "ab", Source: "A", Target: "B", Priority: 1},
		},
	}

	topo, err := topology.Build(workflow, "T")
	require.NoError(t, err)

	require.Len(t, topo.EdgesBySource["A"], 2)
	assert.Equal(t, "B", topo.EdgesBySource["A"][0].Target)
	assert.Equal(t, "C", topo.EdgesBySource["A"][1].Target)
}

func keys(m map[string]*models.TopologyNode) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}
