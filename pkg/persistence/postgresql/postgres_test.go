package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{
		"scheduled_jobs", "pending_tasks", "execution_logs", "executions",
		"workflow_edges", "workflow_nodes", "workflows", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("pipelit_test"),
			postgres.WithUsername("pipelit"),
			postgres.WithPassword("pipelit"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	for _, table := range []string{"workflows", "executions", "pending_tasks", "scheduled_jobs"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestWorkflowRepository_SaveAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	workflow := &models.Workflow{
		ID:   "wf-" + uuid.NewString(),
		Name: "Router",
		Nodes: []*models.WorkflowNode{
			{ID: "trigger", Kind: "trigger_manual"},
			{ID: "route", Kind: "switch", Config: map[string]any{"field": "kind"}},
			{ID: "a", Kind: "log", InterruptBefore: true},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "trigger", Target: "route"},
			{ID: "e2", Source: "route", Label: models.EdgeLabelConditional, ConditionMapping: map[string]string{"x": "a"}},
		},
	}

	require.NoError(t, p.Workflows().Save(ctx, workflow))

	got, err := p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 3)
	assert.Equal(t, "kind", got.Nodes[1].Config["field"])
	assert.True(t, got.Nodes[2].InterruptBefore)
	require.Len(t, got.Edges, 2)
	assert.Equal(t, map[string]string{"x": "a"}, got.Edges[1].ConditionMapping)

	_, err = p.Workflows().GetByID(ctx, "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func createExecution(ctx context.Context, t *testing.T, p *postgresql.Persistence, status models.ExecutionStatus) *models.Execution {
	t.Helper()

	execution := &models.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     "wf",
		TriggerNodeID:  "trigger",
		Status:         status,
		TriggerPayload: map[string]any{"text": "hi"},
	}

	require.NoError(t, p.Executions().Create(ctx, execution))

	return execution
}

func TestExecutionRepository_UpdateAndList(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Executions()

	execution := createExecution(ctx, t, p, models.ExecutionStatusPending)

	assert.ErrorIs(t, repo.Create(ctx, execution), persistence.ErrAlreadyExists)

	started := time.Now().Add(-2 * time.Hour).UTC()
	_, err := repo.Update(ctx, execution.ID, persistence.Transition(models.ExecutionStatusRunning, func(e *models.Execution) {
		e.StartedAt = &started
	}))
	require.NoError(t, err)

	stale, err := repo.ListRunningStartedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "hi", stale[0].TriggerPayload["text"])

	_, err = repo.Update(ctx, execution.ID, persistence.Transition(models.ExecutionStatusCompleted, func(e *models.Execution) {
		e.FinalOutput = map[string]any{"answer": "42"}
		e.NodesExecuted = 3
	}))
	require.NoError(t, err)

	_, err = repo.Update(ctx, execution.ID, persistence.Transition(models.ExecutionStatusFailed, nil))
	assert.True(t, persistence.IsInvalidTransition(err))

	got, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"answer": "42"}, got.FinalOutput)
	assert.Equal(t, 3, got.NodesExecuted)
}

func TestExecutionRepository_UpdateIsSerialised(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	execution := createExecution(ctx, t, p, models.ExecutionStatusRunning)

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := p.Executions().Update(ctx, execution.ID, func(e *models.Execution) error {
				e.NodesExecuted++

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	got, err := p.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.NodesExecuted)
}

func TestExecutionLogRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	execution := createExecution(ctx, t, p, models.ExecutionStatusRunning)

	for _, node := range []string{"first", "second"} {
		require.NoError(t, p.ExecutionLogs().Append(ctx, &models.ExecutionLog{
			ID:          uuid.NewString(),
			ExecutionID: execution.ID,
			NodeID:      node,
			Status:      models.ExecutionLogSuccess,
			Output:      map[string]any{"node": node},
		}))
	}

	logs, err := p.ExecutionLogs().ListByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].NodeID)
	assert.Equal(t, map[string]any{"node": "second"}, logs[1].Output)
}

func TestPendingTaskRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.PendingTasks()
	now := time.Now().UTC()

	live := createExecution(ctx, t, p, models.ExecutionStatusInterrupted)
	stale := createExecution(ctx, t, p, models.ExecutionStatusInterrupted)

	require.NoError(t, repo.Create(ctx, &models.PendingTask{ID: uuid.NewString(), ExecutionID: live.ID, NodeID: "approve", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, repo.Create(ctx, &models.PendingTask{ID: uuid.NewString(), ExecutionID: stale.ID, NodeID: "approve", ExpiresAt: now.Add(-time.Minute)}))

	err := repo.Create(ctx, &models.PendingTask{ID: uuid.NewString(), ExecutionID: live.ID, ExpiresAt: now})
	assert.ErrorIs(t, err, persistence.ErrAlreadyExists)

	expired, err := repo.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ExecutionID)

	_, err = repo.Take(ctx, stale.ID, now)
	assert.True(t, persistence.IsPendingTaskNotFound(err))

	task, err := repo.Take(ctx, live.ID, now)
	require.NoError(t, err)
	assert.Equal(t, "approve", task.NodeID)

	_, err = repo.GetByExecution(ctx, live.ID)
	assert.True(t, persistence.IsPendingTaskNotFound(err))

	require.NoError(t, repo.DeleteByExecution(ctx, stale.ID))
}

func TestScheduledJobRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ScheduledJobs()
	past := time.Now().Add(-time.Minute).UTC()

	job := &models.ScheduledJob{
		ID:              uuid.NewString(),
		Name:            "nightly",
		WorkflowID:      "wf",
		TriggerNodeID:   "trigger",
		Payload:         map[string]any{"text": "tick"},
		IntervalSeconds: 60,
		TotalRepeats:    3,
		Status:          models.ScheduledJobActive,
		NextRunAt:       &past,
	}
	require.NoError(t, repo.Create(ctx, job))

	due, err := repo.ListActiveDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "tick", due[0].Payload["text"])

	updated, err := repo.Update(ctx, job.ID, func(j *models.ScheduledJob) error {
		j.CurrentRepeat = 1
		j.RunCount = 1
		j.LastExecutionID = "exec-1"

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentRepeat)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.LastExecutionID)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsScheduledJobNotFound(err))
}
