package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/queue"
)

// advance enqueues whatever follows a completed node. Finalization is left to
// release, which fires once no job of the execution is in flight.
func (e *Engine) advance(ctx context.Context, run *nodeRun, state *models.ExecutionState) error {
	if models.IsLoopKind(run.node.Kind) {
		return e.startLoop(ctx, run, run.node.ID, state)
	}

	return e.proceed(ctx, run, run.node, state)
}

// proceed either closes a loop iteration or follows the node's outgoing edges.
func (e *Engine) proceed(ctx context.Context, run *nodeRun, node *models.TopologyNode, state *models.ExecutionState) error {
	if node.LoopID != "" && slices.Contains(iterationEnds(run.topology, node.LoopID), node.ID) {
		return e.closeIteration(ctx, run, node.LoopID, state)
	}

	return e.follow(ctx, run, node.ID, state)
}

func (e *Engine) follow(ctx context.Context, run *nodeRun, sourceID string, state *models.ExecutionState) error {
	targets := resolveTargets(run.topology.EdgesBySource[sourceID], state.Route)

	enqueued := 0

	for _, target := range targets {
		ready, err := e.arrive(ctx, run, target, state)
		if err != nil {
			return err
		}

		if !ready {
			continue
		}

		err = e.enqueue(ctx, queue.NodeJob(run.execution.ID, target, 0), 0)
		if err != nil {
			return err
		}

		enqueued++
	}

	if enqueued == 0 {
		run.logger.DebugContext(ctx, "branch ended", "source", sourceID, "route", state.Route)
	}

	return nil
}

// resolveTargets applies the routing rules: every direct edge fires, a
// conditional edge fires the target mapped from route. A missing mapping or
// the end sentinel ends the branch.
func resolveTargets(edges []models.TopologyEdge, route string) []string {
	var targets []string

	for _, edge := range edges {
		target := edge.Target

		if edge.Kind == models.EdgeKindConditional {
			mapped, ok := edge.ConditionMapping[route]
			if !ok {
				continue
			}

			target = mapped
		}

		if target == "" || target == models.EndSentinel || slices.Contains(targets, target) {
			continue
		}

		targets = append(targets, target)
	}

	return targets
}

// arrive reports whether target may run now. Merge nodes run only once the
// arrival count reaches their incoming count; earlier arrivals are absorbed.
func (e *Engine) arrive(ctx context.Context, run *nodeRun, target string, state *models.ExecutionState) (bool, error) {
	node, ok := run.topology.Node(target)
	if !ok {
		run.logger.WarnContext(ctx, "edge points outside the topology", "target", target)

		return false, nil
	}

	if !models.IsMergeKind(node.Kind) {
		return true, nil
	}

	expected := run.topology.IncomingCount[target]
	if expected <= 1 {
		return true, nil
	}

	key := target
	if node.LoopID != "" {
		key = iterationKey(target, state.Loops[node.LoopID])
	}

	count, err := e.store.IncrementFanIn(ctx, run.execution.ID, key)
	if err != nil {
		return false, err
	}

	if count < int64(expected) {
		run.logger.DebugContext(ctx, "fan-in arrival absorbed", "target", target, "count", count, "expected", expected)

		return false, nil
	}

	return count == int64(expected), nil
}

func (e *Engine) startLoop(ctx context.Context, run *nodeRun, loopID string, state *models.ExecutionState) error {
	loop := state.Loops[loopID]
	bodies := run.topology.LoopBodies[loopID]

	if loop.Done() || len(bodies) == 0 {
		return e.finishLoop(ctx, run, loopID)
	}

	run.logger.DebugContext(ctx, "loop started", "loop_id", loopID, "items", len(loop.Items))

	return e.enqueueNodes(ctx, run.execution.ID, bodies)
}

// closeIteration records the result of the running iteration once every node
// ending it has completed, then starts the next iteration or leaves the loop.
func (e *Engine) closeIteration(ctx context.Context, run *nodeRun, loopID string, state *models.ExecutionState) error {
	loop := state.Loops[loopID]
	if loop == nil {
		run.logger.WarnContext(ctx, "loop body node ran outside its loop", "loop_id", loopID)

		return nil
	}

	ends := iterationEnds(run.topology, loopID)

	count, err := e.store.IncrementFanIn(ctx, run.execution.ID, iterationKey("loop:"+loopID, loop))
	if err != nil {
		return err
	}

	if count != int64(len(ends)) {
		return nil
	}

	updated, err := e.store.UpdateState(ctx, run.execution.ID, func(state *models.ExecutionState) error {
		current := state.Loops[loopID]
		if current == nil {
			return fmt.Errorf("loop %s has no iteration state", loopID)
		}

		current.Results = append(current.Results, iterationResult(state, ends))
		current.Index++

		return nil
	})
	if err != nil {
		return e.abortOnMissingState(ctx, run.execution, run.node.ID, err)
	}

	next := updated.Loops[loopID]
	if next.Done() {
		return e.finishLoop(ctx, run, loopID)
	}

	run.logger.DebugContext(ctx, "loop iteration completed", "loop_id", loopID, "index", next.Index)

	return e.enqueueNodes(ctx, run.execution.ID, run.topology.LoopBodies[loopID])
}

// finishLoop publishes the collected results as the loop node's output and
// continues along the loop node's own edges.
func (e *Engine) finishLoop(ctx context.Context, run *nodeRun, loopID string) error {
	updated, err := e.store.UpdateState(ctx, run.execution.ID, func(state *models.ExecutionState) error {
		results := []any{}
		if loop := state.Loops[loopID]; loop != nil && loop.Results != nil {
			results = loop.Results
		}

		state.Merge(loopID, &models.StateUpdate{
			NodeOutput: map[string]any{"results": results},
		})
		state.LastNode = loopID

		return nil
	})
	if err != nil {
		return e.abortOnMissingState(ctx, run.execution, loopID, err)
	}

	loopNode, ok := run.topology.Node(loopID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotInTopology, loopID)
	}

	run.logger.DebugContext(ctx, "loop finished", "loop_id", loopID)

	return e.proceed(ctx, run, loopNode, updated)
}

// iterationEnds are the nodes whose completion closes an iteration: the loop's
// return nodes, or the body's leaves when the loop has none.
func iterationEnds(topo *models.WorkflowTopology, loopID string) []string {
	if returns := topo.LoopReturnNodes[loopID]; len(returns) > 0 {
		return returns
	}

	var leaves []string

	for _, id := range topo.LoopBodyAllNodes[loopID] {
		if len(topo.EdgesBySource[id]) == 0 {
			leaves = append(leaves, id)
		}
	}

	return leaves
}

func iterationKey(key string, loop *models.LoopState) string {
	index := 0
	if loop != nil {
		index = loop.Index
	}

	return fmt.Sprintf("%s#%d", key, index)
}

func iterationResult(state *models.ExecutionState, ends []string) any {
	if len(ends) == 1 {
		return state.NodeOutputs[ends[0]]
	}

	result := make(map[string]any, len(ends))
	for _, id := range ends {
		result[id] = state.NodeOutputs[id]
	}

	return result
}
