package mocks

import (
	"context"

	"github.com/dukex/pipelit/pkg/engine"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockEngine is a mock of the execution control surface of engine.Engine.
type MockEngine struct {
	mock.Mock
}

func execution(args mock.Arguments) (*models.Execution, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Execution), args.Error(1)
}

func (m *MockEngine) StartExecution(ctx context.Context, req engine.StartRequest) (*models.Execution, error) {
	return execution(m.Called(ctx, req))
}

func (m *MockEngine) CancelExecution(ctx context.Context, executionID, reason string) (*models.Execution, error) {
	return execution(m.Called(ctx, executionID, reason))
}

func (m *MockEngine) Resume(ctx context.Context, executionID, input string) (*models.Execution, error) {
	return execution(m.Called(ctx, executionID, input))
}

func (m *MockEngine) CancelPending(ctx context.Context, executionID string) (*models.Execution, error) {
	return execution(m.Called(ctx, executionID))
}
