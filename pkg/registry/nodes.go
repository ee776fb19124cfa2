package registry

import (
	"github.com/dukex/pipelit/pkg/nodes/confirmation"
	"github.com/dukex/pipelit/pkg/nodes/log"
	"github.com/dukex/pipelit/pkg/nodes/loop"
	"github.com/dukex/pipelit/pkg/nodes/merge"
	"github.com/dukex/pipelit/pkg/nodes/subworkflow"
	switchnode "github.com/dukex/pipelit/pkg/nodes/switch"
	"github.com/dukex/pipelit/pkg/nodes/transform"
)

// RegisterDefaultNodes registers all built-in node factories with the registry.
func (r *Registry) RegisterDefaultNodes() {
	r.RegisterNode(transform.NewTransformNodeFactory())
	r.RegisterNode(log.NewLogNodeFactory())
	r.RegisterNode(switchnode.NewSwitchNodeFactory())
	r.RegisterNode(merge.NewMergeNodeFactory())
	r.RegisterNode(loop.NewLoopNodeFactory())
	r.RegisterNode(confirmation.NewConfirmationNodeFactory())
	r.RegisterNode(subworkflow.NewSubworkflowNodeFactory())
}
