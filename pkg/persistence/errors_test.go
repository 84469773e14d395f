package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		err := persistence.NewExecutionError("Get", "exec-123", persistence.ErrExecutionNotFound)

		assert.True(t, persistence.IsExecutionNotFound(err))
		assert.False(t, persistence.IsDeadLetterNotFound(err))
		assert.True(t, errors.Is(err, persistence.ErrExecutionNotFound))
	})

	t.Run("execution error contains context", func(t *testing.T) {
		err := persistence.NewExecutionError("RequestCancel", "exec-123", persistence.ErrExecutionNotFound)

		assert.Contains(t, err.Error(), "RequestCancel")
		assert.Contains(t, err.Error(), "exec-123")
		assert.Contains(t, err.Error(), "execution not found")
	})
	t.Run("conflict and claim errors are distinguishable", func(t *testing.T) {
		conflict := persistence.NewExecutionError("Save", "exec-1", persistence.ErrExecutionConflict)
		claimed := persistence.NewExecutionError("Claim", "exec-1", persistence.ErrExecutionClaimed)

		assert.True(t, persistence.IsExecutionConflict(conflict))
		assert.False(t, persistence.IsExecutionClaimed(conflict))
		assert.True(t, persistence.IsExecutionClaimed(claimed))
		assert.False(t, persistence.IsExecutionNotFound(claimed))
	})
}
