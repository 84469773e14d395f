package mocks

import (
	"context"
	"time"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockDeadLetterRepository is a mock implementation of persistence.DeadLetterRepository.
type MockDeadLetterRepository struct {
	mock.Mock
}

func (m *MockDeadLetterRepository) Add(ctx context.Context, letter *models.DeadLetter) error {
	args := m.Called(ctx, letter)

	return args.Error(0)
}

func (m *MockDeadLetterRepository) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.DeadLetter), args.Error(1)
}

func (m *MockDeadLetterRepository) List(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DeadLetter), args.Error(1)
}

func (m *MockDeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}
