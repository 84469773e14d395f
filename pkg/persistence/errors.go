package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionConflict indicates a save raced another writer or targeted
	// a finished execution.
	ErrExecutionConflict = errors.New("execution was changed concurrently")

	// ErrExecutionClaimed indicates another engine instance holds a live
	// claim on the execution.
	ErrExecutionClaimed = errors.New("execution is claimed by another engine")

	// ErrOutboxRecordNotFound indicates an outbox record was not found.
	ErrOutboxRecordNotFound = errors.New("outbox record not found")

	// ErrDeadLetterNotFound indicates a dead letter was not found.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// ExecutionError wraps execution storage errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "Get", "Save", "RequestCancel")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsExecutionConflict(err error) bool {
	return errors.Is(err, ErrExecutionConflict)
}

func IsExecutionClaimed(err error) bool {
	return errors.Is(err, ErrExecutionClaimed)
}

// IsDeadLetterNotFound checks if an error indicates a dead letter was not found.
func IsDeadLetterNotFound(err error) bool {
	return errors.Is(err, ErrDeadLetterNotFound)
}

func IsOutboxRecordNotFound(err error) bool {
	return errors.Is(err, ErrOutboxRecordNotFound)
}
