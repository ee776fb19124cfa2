// Package engine runs workflow executions as independent node jobs. All
// decision state lives in the durable store and the ephemeral state store, so
// any worker can pick up any job.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/pipelit/pkg/delivery"
	"github.com/dukex/pipelit/pkg/eventbus"
	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/otelhelper"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/registry"
	"github.com/dukex/pipelit/pkg/statestore"
	"github.com/dukex/pipelit/pkg/topology"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxNodeRetries    = 3
	DefaultStateTTL          = time.Hour
	DefaultConfirmationTTL   = 24 * time.Hour
	DefaultChildTimeout      = time.Hour
	DefaultErrorTruncate     = 500
	DefaultOutputTruncate    = 2000
	DefaultMaxLoopIterations = 100
	DefaultRetryBaseDelay    = time.Second
	DefaultParkDelay         = 10 * time.Second
)

// Config tunes the engine. Zero values take the defaults above.
type Config struct {
	MaxNodeRetries int

	// StateTTL is the lifetime of ephemeral keys. The binaries hand it to the state store.
	StateTTL          time.Duration
	ConfirmationTTL   time.Duration
	ChildTimeout      time.Duration
	ErrorTruncate     int
	OutputTruncate    int
	MaxLoopIterations int

	// RetryBaseDelay is multiplied by 2^retry_count between node attempts.
	RetryBaseDelay time.Duration

	// ParkDelay is how long a job for an interrupted execution waits before it checks again.
	ParkDelay time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxNodeRetries <= 0 {
		c.MaxNodeRetries = DefaultMaxNodeRetries
	}

	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}

	if c.ConfirmationTTL <= 0 {
		c.ConfirmationTTL = DefaultConfirmationTTL
	}

	if c.ChildTimeout <= 0 {
		c.ChildTimeout = DefaultChildTimeout
	}

	if c.ErrorTruncate <= 0 {
		c.ErrorTruncate = DefaultErrorTruncate
	}

	if c.OutputTruncate <= 0 {
		c.OutputTruncate = DefaultOutputTruncate
	}

	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = DefaultMaxLoopIterations
	}

	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}

	if c.ParkDelay <= 0 {
		c.ParkDelay = DefaultParkDelay
	}

	return c
}

// Dependencies are the handles the engine works through.
type Dependencies struct {
	Persistence persistence.Persistence
	Store       statestore.Store
	Queue       queue.Queue
	Publisher   eventbus.EventPublisher
	Registry    *registry.Registry

	// Optional. Delivery defaults to delivery.Log, Tracer to a no-op tracer.
	Delivery delivery.Deliverer
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Now      func() time.Time
}

type Engine struct {
	config      Config
	persistence persistence.Persistence
	store       statestore.Store
	queue       queue.Queue
	publisher   eventbus.EventPublisher
	registry    *registry.Registry
	delivery    delivery.Deliverer
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

func New(config Config, deps Dependencies) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("module", "engine")

	engine := &Engine{
		config:      config.withDefaults(),
		persistence: deps.Persistence,
		store:       deps.Store,
		queue:       deps.Queue,
		publisher:   deps.Publisher,
		registry:    deps.Registry,
		delivery:    deps.Delivery,
		tracer:      deps.Tracer,
		logger:      logger,
		now:         deps.Now,
	}

	if engine.delivery == nil {
		engine.delivery = delivery.NewLog(logger)
	}

	if engine.tracer == nil {
		engine.tracer = otelhelper.NoopTracer()
	}

	if engine.now == nil {
		engine.now = time.Now
	}

	return engine
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// StartRequest describes a new execution.
type StartRequest struct {
	WorkflowID        string         `json:"workflow_id"                   validate:"required"`
	TriggerNodeID     string         `json:"trigger_node_id"               validate:"required"`
	Payload           map[string]any `json:"payload,omitempty"`
	UserContext       map[string]any `json:"user_context,omitempty"`
	ScheduledJobID    string         `json:"scheduled_job_id,omitempty"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	ParentNodeID      string         `json:"parent_node_id,omitempty"`
}

// StartExecution creates an execution, caches its topology and initial state,
// and enqueues the entry nodes. A workflow that cannot be built fails the
// execution immediately; the failed record is returned along with the error.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*models.Execution, error) {
	execution, err := e.prepare(ctx, req)
	if err != nil {
		return execution, err
	}

	return e.launch(ctx, execution.ID)
}

// prepare creates the pending execution with its topology and state in place.
func (e *Engine) prepare(ctx context.Context, req StartRequest) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.prepare_execution",
		attribute.String(otelhelper.WorkflowIDKey, req.WorkflowID),
		attribute.String(otelhelper.TriggerNodeIDKey, req.TriggerNodeID),
	)
	defer span.End()

	now := e.now().UTC()

	execution := &models.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     req.WorkflowID,
		TriggerNodeID:  req.TriggerNodeID,
		ScheduledJobID: req.ScheduledJobID,
		Status:         models.ExecutionStatusPending,
		TriggerPayload: req.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.ParentExecutionID != "" && req.ParentNodeID != "" {
		execution.ParentExecutionID = &req.ParentExecutionID
		execution.ParentNodeID = &req.ParentNodeID
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))

	logger := e.logger.With("execution_id", execution.ID, "workflow_id", req.WorkflowID)

	err := e.persistence.Executions().Create(ctx, execution)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	workflow, err := e.persistence.Workflows().GetByID(ctx, req.WorkflowID)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "failed to load workflow", "error", err)

		return e.failStart(ctx, execution, "workflow could not be loaded", err)
	}

	topo, err := topology.Build(workflow, req.TriggerNodeID)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "failed to build topology", "error", err)

		return e.failStart(ctx, execution, e.truncate(err.Error()), err)
	}

	err = e.store.SaveTopology(ctx, execution.ID, topo)
	if err != nil {
		return e.failStart(ctx, execution, "execution state could not be stored", err)
	}

	state := models.NewExecutionState(execution.ID, req.WorkflowID, req.Payload, req.UserContext)

	err = e.store.SaveState(ctx, state)
	if err != nil {
		return e.failStart(ctx, execution, "execution state could not be stored", err)
	}

	logger.DebugContext(ctx, "execution prepared", "entry_nodes", topo.EntryNodeIDs, "nodes", len(topo.Nodes))

	return execution, nil
}

// launch moves a prepared execution to running and enqueues its entry nodes.
func (e *Engine) launch(ctx context.Context, executionID string) (*models.Execution, error) {
	topo, err := e.store.LoadTopology(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load topology of execution %s: %w", executionID, err)
	}

	now := e.now().UTC()

	execution, err := e.persistence.Executions().Update(ctx, executionID,
		persistence.Transition(models.ExecutionStatusRunning, func(execution *models.Execution) {
			execution.StartedAt = &now
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start execution %s: %w", executionID, err)
	}

	started := events.ExecutionStarted{
		BaseEvent:     events.NewBaseEvent(events.ExecutionStartedEvent, execution.ID, execution.WorkflowID),
		TriggerNodeID: execution.TriggerNodeID,
	}
	if execution.ParentExecutionID != nil {
		started.ParentExecutionID = *execution.ParentExecutionID
	}

	e.publish(ctx, execution, started)

	err = e.enqueueNodes(ctx, executionID, topo.EntryNodeIDs)
	if err != nil {
		return execution, err
	}

	e.logger.InfoContext(ctx, "execution started",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"trigger_node_id", execution.TriggerNodeID,
	)

	return execution, nil
}

func (e *Engine) failStart(ctx context.Context, execution *models.Execution, message string, cause error) (*models.Execution, error) {
	failed, err := e.failExecution(ctx, execution.ID, failure{message: message})
	if err != nil {
		return execution, errors.Join(cause, err)
	}

	if failed != nil {
		execution = failed
	}

	return execution, &StartError{ExecutionID: execution.ID, Err: cause}
}

// enqueueNodes counts each job in flight before it becomes visible to workers.
func (e *Engine) enqueueNodes(ctx context.Context, executionID string, nodeIDs []string) error {
	for _, nodeID := range nodeIDs {
		err := e.enqueue(ctx, queue.NodeJob(executionID, nodeID, 0), 0)
		if err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	_, err := e.store.AddInFlight(ctx, job.ExecutionID, 1)
	if err != nil {
		return err
	}

	err = e.queue.EnqueueIn(ctx, job, delay)
	if err != nil {
		return fmt.Errorf("failed to enqueue node %s: %w", job.NodeID, err)
	}

	return nil
}

// release marks one job of the execution finished and finalizes once none remain.
func (e *Engine) release(ctx context.Context, executionID string) error {
	remaining, err := e.store.AddInFlight(ctx, executionID, -1)
	if err != nil {
		return err
	}

	if remaining > 0 {
		return nil
	}

	return e.finalize(ctx, executionID)
}

// publish sends event to the execution and workflow channels. Event delivery
// is best effort; the durable record is already written when this runs.
func (e *Engine) publish(ctx context.Context, execution *models.Execution, event eventbus.Event) {
	err := eventbus.PublishExecutionEvent(ctx, e.publisher, execution.ID, execution.WorkflowID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to publish event",
			"execution_id", execution.ID,
			"event_type", event.GetType(),
			"error", err,
		)
	}
}

func (e *Engine) truncate(message string) string {
	return Truncate(message, e.config.ErrorTruncate)
}
