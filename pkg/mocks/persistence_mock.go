package mocks

import (
	"context"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	workflowRepo     *MockWorkflowRepository
	executionRepo    *MockExecutionRepository
	executionLogRepo *MockExecutionLogRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		workflowRepo:     &MockWorkflowRepository{},
		executionRepo:    &MockExecutionRepository{},
		executionLogRepo: &MockExecutionLogRepository{},
	}
}

// GetMockWorkflowRepository returns the underlying mock workflow repository for setting up expectations.
func (m *MockPersistence) GetMockWorkflowRepository() *MockWorkflowRepository {
	return m.workflowRepo
}

func (m *MockPersistence) GetMockExecutionRepository() *MockExecutionRepository {
	return m.executionRepo
}

func (m *MockPersistence) GetMockExecutionLogRepository() *MockExecutionLogRepository {
	return m.executionLogRepo
}

func (m *MockPersistence) Workflows() persistence.WorkflowRepository {
	return m.workflowRepo
}

func (m *MockPersistence) Executions() persistence.ExecutionRepository {
	return m.executionRepo
}

func (m *MockPersistence) ExecutionLogs() persistence.ExecutionLogRepository {
	return m.executionLogRepo
}

// PendingTasks and ScheduledJobs are not mocked; tests needing them use the file backend.
func (m *MockPersistence) PendingTasks() persistence.PendingTaskRepository {
	return nil
}

func (m *MockPersistence) ScheduledJobs() persistence.ScheduledJobRepository {
	return nil
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository interface.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	args := m.Called(ctx, workflow)

	return args.Error(0)
}

type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	return execution(m.Called(ctx, id))
}

func (m *MockExecutionRepository) Update(ctx context.Context, id string, mutate persistence.ExecutionMutation) (*models.Execution, error) {
	return execution(m.Called(ctx, id, mutate))
}

func (m *MockExecutionRepository) ListRunningStartedBefore(ctx context.Context, before time.Time) ([]*models.Execution, error) {
	args := m.Called(ctx, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Execution), args.Error(1)
}

type MockExecutionLogRepository struct {
	mock.Mock
}

func (m *MockExecutionLogRepository) Append(ctx context.Context, log *models.ExecutionLog) error {
	args := m.Called(ctx, log)

	return args.Error(0)
}

func (m *MockExecutionLogRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.ExecutionLog, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ExecutionLog), args.Error(1)
}
