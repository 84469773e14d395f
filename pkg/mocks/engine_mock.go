package mocks

import (
	"context"
	"encoding/json"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/workflow"
	"github.com/stretchr/testify/mock"
)

// MockEngine is a mock implementation of the workflow engine's client surface.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Start(
	ctx context.Context,
	workflowType models.WorkflowType,
	input json.RawMessage,
	executionKey string,
	opts ...workflow.StartOption,
) (workflow.Handle, error) {
	args := m.Called(ctx, workflowType, input, executionKey)

	return args.Get(0).(workflow.Handle), args.Error(1)
}

func (m *MockEngine) Status(ctx context.Context, executionID string) (*models.Execution, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Execution), args.Error(1)
}

func (m *MockEngine) Cancel(ctx context.Context, executionID string) (workflow.CancelOutcome, *models.Execution, error) {
	args := m.Called(ctx, executionID)

	outcome, _ := args.Get(0).(workflow.CancelOutcome)
	exec, _ := args.Get(1).(*models.Execution)

	return outcome, exec, args.Error(2)
}
