package models

import (
	"encoding/json"
	"maps"
	"time"
)

// Message is an entry of the conversation history carried by an execution.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	NodeID  string `json:"node_id,omitempty"`
}

// LoopState tracks the iteration of a loop node.
type LoopState struct {
	Items   []any `json:"items"`
	Index   int   `json:"index"`
	Results []any `json:"results,omitempty"`
}

// Current returns the item of the running iteration.
func (l *LoopState) Current() any {
	if l == nil || l.Index < 0 || l.Index >= len(l.Items) {
		return nil
	}

	return l.Items[l.Index]
}

// Done reports whether every item has been iterated.
func (l *LoopState) Done() bool {
	return l == nil || l.Index >= len(l.Items)
}

// ChildResult is what a finished child execution hands back to its parent node.
type ChildResult struct {
	ExecutionID string `json:"execution_id"`
	Output      any    `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NodeResultMeta is the per-node metadata kept in the execution state.
type NodeResultMeta struct {
	Status      string    `json:"status"`
	DurationMs  int64     `json:"duration_ms"`
	Output      any       `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ExecutionState is the mutable working data of one execution. It lives in the
// ephemeral store between node jobs. Extra holds keys node kinds agree on among
// themselves that the engine does not interpret.
type ExecutionState struct {
	ExecutionID    string                    `json:"execution_id"`
	WorkflowID     string                    `json:"workflow_id"`
	Messages       []Message                 `json:"messages,omitempty"`
	TriggerPayload map[string]any            `json:"trigger_payload,omitempty"`
	UserContext    map[string]any            `json:"user_context,omitempty"`
	CurrentNode    string                    `json:"current_node,omitempty"`
	Route          string                    `json:"route,omitempty"`
	BranchResults  map[string]any            `json:"branch_results,omitempty"`
	Plan           []any                     `json:"plan,omitempty"`
	NodeOutputs    map[string]any            `json:"node_outputs,omitempty"`
	Output         any                       `json:"output,omitempty"`
	LastNode       string                    `json:"last_node,omitempty"`
	Loops          map[string]*LoopState     `json:"loops,omitempty"`
	NodeResults    map[string]NodeResultMeta `json:"node_results,omitempty"`
	ResumeInput    *string                   `json:"_resume_input,omitempty"`
	ResumedNode    string                    `json:"_resumed_node,omitempty"`
	ChildResults   map[string]ChildResult    `json:"_child_results,omitempty"`
	Extra          map[string]any            `json:"extra,omitempty"`
}

// NewExecutionState builds the initial state of an execution.
func NewExecutionState(executionID, workflowID string, payload, userContext map[string]any) *ExecutionState {
	state := &ExecutionState{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		TriggerPayload: payload,
		UserContext:    userContext,
		NodeOutputs:    make(map[string]any),
		NodeResults:    make(map[string]NodeResultMeta),
	}

	if text, ok := payload["text"].(string); ok && text != "" {
		state.Messages = append(state.Messages, Message{Role: "user", Content: text})
	}

	return state
}

// StateUpdate is the partial state a node returns. Nil fields are left untouched.
type StateUpdate struct {
	Messages      []Message      `json:"messages,omitempty"`
	Route         *string        `json:"route,omitempty"`
	Output        any            `json:"output,omitempty"`
	NodeOutput    any            `json:"node_output,omitempty"`
	BranchResults map[string]any `json:"branch_results,omitempty"`
	Plan          []any          `json:"plan,omitempty"`
	UserContext   map[string]any `json:"user_context,omitempty"`
	Loop          *LoopState     `json:"loop,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Merge applies a node's update. Scalars (route, output, plan) overwrite,
// maps are unioned with the update winning on conflicts, messages are appended
// and NodeOutput lands under the node's own id.
func (s *ExecutionState) Merge(nodeID string, update *StateUpdate) {
	if update == nil {
		return
	}

	if len(update.Messages) > 0 {
		s.Messages = append(s.Messages, update.Messages...)
	}

	if update.Route != nil {
		s.Route = *update.Route
	}

	if update.Output != nil {
		s.Output = update.Output
	}

	if update.Plan != nil {
		s.Plan = update.Plan
	}

	if update.NodeOutput != nil {
		if s.NodeOutputs == nil {
			s.NodeOutputs = make(map[string]any)
		}

		s.NodeOutputs[nodeID] = update.NodeOutput
	}

	s.BranchResults = union(s.BranchResults, update.BranchResults)
	s.UserContext = union(s.UserContext, update.UserContext)
	s.Extra = union(s.Extra, update.Extra)

	if update.Loop != nil {
		if s.Loops == nil {
			s.Loops = make(map[string]*LoopState)
		}

		s.Loops[nodeID] = update.Loop
	}
}

func union(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}

	if dst == nil {
		dst = make(map[string]any, len(src))
	}

	maps.Copy(dst, src)

	return dst
}

// ResumeInputFor returns the confirmation input injected for nodeID, if any.
func (s *ExecutionState) ResumeInputFor(nodeID string) (string, bool) {
	if s.ResumeInput == nil || s.ResumedNode != nodeID {
		return "", false
	}

	return *s.ResumeInput, true
}

// SetResumeInput injects a confirmation input for nodeID.
func (s *ExecutionState) SetResumeInput(nodeID, input string) {
	s.ResumeInput = &input
	s.ResumedNode = nodeID
}

// ClearResume drops the reserved resume keys.
func (s *ExecutionState) ClearResume() {
	s.ResumeInput = nil
	s.ResumedNode = ""
}

// ChildResultFor returns the child result injected for nodeID, if any.
func (s *ExecutionState) ChildResultFor(nodeID string) (ChildResult, bool) {
	result, ok := s.ChildResults[nodeID]

	return result, ok
}

// SetChildResult injects a child result for nodeID.
func (s *ExecutionState) SetChildResult(nodeID string, result ChildResult) {
	if s.ChildResults == nil {
		s.ChildResults = make(map[string]ChildResult)
	}

	s.ChildResults[nodeID] = result
}

// ClearChildResult drops the child result of nodeID once the node consumed it.
func (s *ExecutionState) ClearChildResult(nodeID string) {
	delete(s.ChildResults, nodeID)
}

// LastMessage returns the content of the most recent message.
func (s *ExecutionState) LastMessage() (string, bool) {
	if len(s.Messages) == 0 {
		return "", false
	}

	return s.Messages[len(s.Messages)-1].Content, true
}

// AsMap returns the state as a generic map, the shape templates render against.
func (s *ExecutionState) AsMap() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	data := make(map[string]any)

	err = json.Unmarshal(raw, &data)
	if err != nil {
		return nil, err
	}

	return data, nil
}
