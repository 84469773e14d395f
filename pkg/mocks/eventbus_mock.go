package mocks

import (
	"context"

	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockRepublisher is a mock implementation of deadletter.Republisher.
type MockRepublisher struct {
	mock.Mock
}

func (m *MockRepublisher) Republish(ctx context.Context, letter *models.DeadLetter) error {
	args := m.Called(ctx, letter)

	return args.Error(0)
}

// MockEmitter is a mock implementation of workflow.Emitter.
type MockEmitter struct {
	mock.Mock
}

func (m *MockEmitter) Emit(ctx context.Context, env *events.Envelope) error {
	args := m.Called(ctx, env)

	return args.Error(0)
}
