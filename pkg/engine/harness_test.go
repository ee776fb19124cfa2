package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/pipelit/pkg/eventbus"
	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence/file"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/registry"
	"github.com/dukex/pipelit/pkg/statestore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key   string
	event eventbus.Event
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(_ context.Context, key string, event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, published{key: key, event: event})

	return nil
}

func (r *recorder) types(key string) []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	var types []events.EventType

	for _, p := range r.events {
		if p.key == key {
			types = append(types, p.event.GetType())
		}
	}

	return types
}

func (r *recorder) nodeStatuses(key, nodeID string) []events.NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()

	var statuses []events.NodeState

	for _, p := range r.events {
		if status, ok := p.event.(events.NodeStatus); ok && p.key == key && status.NodeID == nodeID {
			statuses = append(statuses, status.Status)
		}
	}

	return statuses
}

type stepFunc func(nc protocol.NodeContext, state *models.ExecutionState, call int) (protocol.Result, error)

// stepFactory builds "step" nodes whose behaviour is scripted by the test.
type stepFactory struct {
	mu    sync.Mutex
	calls map[string]int
	run   stepFunc
}

func newStepFactory(run stepFunc) *stepFactory {
	return &stepFactory{calls: make(map[string]int), run: run}
}

func (f *stepFactory) Create(_ context.Context, id string, _ map[string]any) (protocol.Node, error) {
	return &stepNode{id: id, factory: f}, nil
}

func (f *stepFactory) ID() string             { return "step" }
func (f *stepFactory) Name() string           { return "Step" }
func (f *stepFactory) Description() string    { return "scripted test node" }
func (f *stepFactory) Schema() map[string]any { return nil }

func (f *stepFactory) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[id]
}

type stepNode struct {
	id      string
	factory *stepFactory
}

func (n *stepNode) ID() string   { return n.id }
func (n *stepNode) Kind() string { return "step" }

func (n *stepNode) Execute(_ context.Context, nc protocol.NodeContext, state *models.ExecutionState) (protocol.Result, error) {
	n.factory.mu.Lock()
	n.factory.calls[n.id]++
	call := n.factory.calls[n.id]
	n.factory.mu.Unlock()

	if n.factory.run == nil {
		return protocol.Update(&models.StateUpdate{NodeOutput: n.id + "-out"}), nil
	}

	return n.factory.run(nc, state, call)
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	engine      *Engine
	persistence *file.Persistence
	store       *statestore.RedisStore
	queue       *queue.RedisQueue
	mini        *miniredis.Miniredis
	events      *recorder
	steps       *stepFactory

	mu    sync.Mutex
	clock time.Time
}

func newHarness(t *testing.T, run stepFunc) *harness {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	steps := newStepFactory(run)

	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultNodes()
	reg.RegisterNode(steps)

	h := &harness{
		t:           t,
		ctx:         context.Background(),
		persistence: file.NewPersistence(t.TempDir()),
		store:       statestore.NewRedisStore(client, logger),
		queue:       queue.NewRedisQueue(client, logger, "test"),
		mini:        mini,
		events:      &recorder{},
		steps:       steps,
		clock:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	h.engine = New(Config{
		RetryBaseDelay: time.Millisecond,
		ParkDelay:      time.Millisecond,
	}, Dependencies{
		Persistence: h.persistence,
		Store:       h.store,
		Queue:       h.queue,
		Publisher:   h.events,
		Registry:    reg,
		Logger:      logger,
		Now:         h.now,
	})

	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clock = h.clock.Add(d)
}

// drain runs queued jobs, each batch concurrently, until the queue is empty.
func (h *harness) drain() int {
	h.t.Helper()

	processed := 0

	for range 200 {
		jobs, err := h.queue.Claim(h.ctx, time.Now().Add(365*24*time.Hour), 50)
		require.NoError(h.t, err)

		if len(jobs) == 0 {
			return processed
		}

		var wg sync.WaitGroup

		for _, job := range jobs {
			wg.Add(1)

			go func() {
				defer wg.Done()

				assert.NoError(h.t, h.engine.ExecuteNode(h.ctx, job))
			}()
		}

		wg.Wait()

		processed += len(jobs)
	}

	return processed
}

func (h *harness) saveWorkflow(id string, nodes []*models.WorkflowNode, edges []*models.Edge) {
	h.t.Helper()

	require.NoError(h.t, h.persistence.Workflows().Save(h.ctx, &models.Workflow{
		ID:    id,
		Name:  id,
		Nodes: nodes,
		Edges: edges,
	}))
}

func (h *harness) start(workflowID string, payload map[string]any) *models.Execution {
	h.t.Helper()

	execution, err := h.engine.StartExecution(h.ctx, StartRequest{
		WorkflowID:    workflowID,
		TriggerNodeID: "T",
		Payload:       payload,
	})
	require.NoError(h.t, err)

	return execution
}

func (h *harness) execution(id string) *models.Execution {
	h.t.Helper()

	execution, err := h.persistence.Executions().GetByID(h.ctx, id)
	require.NoError(h.t, err)

	return execution
}

func (h *harness) logs(executionID, nodeID string) []*models.ExecutionLog {
	h.t.Helper()

	all, err := h.persistence.ExecutionLogs().ListByExecution(h.ctx, executionID)
	require.NoError(h.t, err)

	var logs []*models.ExecutionLog

	for _, log := range all {
		if log.NodeID == nodeID {
			logs = append(logs, log)
		}
	}

	return logs
}

func (h *harness) assertNoEphemeralKeys(executionID string) {
	h.t.Helper()

	for _, key := range h.mini.Keys() {
		assert.False(h.t, strings.HasPrefix(key, "pipelit:exec:"+executionID+":"), "leftover key %s", key)
	}
}

func node(id, kind string, config map[string]any) *models.WorkflowNode {
	return &models.WorkflowNode{ID: id, Name: id, Kind: kind, Config: config}
}

func trigger() *models.WorkflowNode {
	return node("T", "trigger_manual", nil)
}

func direct(source, target string) *models.Edge {
	return &models.Edge{ID: source + "-" + target, Source: source, Target: target}
}

func conditional(source string, mapping map[string]string) *models.Edge {
	return &models.Edge{
		ID:               source + "-cond",
		Source:           source,
		Label:            models.EdgeLabelConditional,
		ConditionMapping: mapping,
	}
}

func labelled(source, target string, label models.EdgeLabel) *models.Edge {
	return &models.Edge{ID: source + "-" + string(label) + "-" + target, Source: source, Target: target, Label: label}
}
