// Package persistence provides the storage abstraction behind the orchestration core.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/models"
)

type Persistence interface {
	Executions() ExecutionRepository
	Compensations() CompensationRepository
	Idempotency() idempotency.Store
	Ledger() ledger.Store
	Outbox() OutboxRepository
	DeadLetters() DeadLetterRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ExecutionRepository stores executions. Create is the single atomic
// insert-or-fetch that resolves concurrent starts for the same id.
type ExecutionRepository interface {
	// Create inserts exec unless an execution with the same id exists and
	// returns the stored execution and whether it was created.
	Create(ctx context.Context, exec *models.Execution) (*models.Execution, bool, error)
	Get(ctx context.Context, id string) (*models.Execution, error)
	// Save persists engine progress when exec.Version matches the stored
	// version and the stored execution is not terminal, then increments
	// exec.Version. Otherwise it returns ErrExecutionConflict. It never
	// clears a cancel request and leaves the claim untouched.
	Save(ctx context.Context, exec *models.Execution) error
	// Claim gives owner the right to drive a non-terminal execution until
	// lease from now. It succeeds when the execution is unclaimed, already
	// held by owner, or its lease expired, and returns the stored execution.
	// A live claim of another owner returns ErrExecutionClaimed. A terminal
	// execution is returned unclaimed.
	Claim(ctx context.Context, id, owner string, lease time.Duration) (*models.Execution, error)
	// ReleaseClaim drops owner's claim, if it still holds one.
	ReleaseClaim(ctx context.Context, id, owner string) error
	// RequestCancel flags a non-terminal execution and returns its state.
	RequestCancel(ctx context.Context, id string) (*models.Execution, error)
	// ListActive returns executions that are not in a terminal status.
	ListActive(ctx context.Context) ([]*models.Execution, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.Execution, error)
	// ArchiveBefore marks terminal executions last updated before cutoff.
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CompensationRepository is the undo log of executions, kept apart from the
// execution record so the record stays small however many steps ran.
type CompensationRepository interface {
	// Append stores entry under its index, replacing an entry a previous
	// attempt of the same step wrote.
	Append(ctx context.Context, executionID string, entry models.CompensationEntry) error
	// List returns the entries of an execution ordered by index.
	List(ctx context.Context, executionID string) ([]models.CompensationEntry, error)
}

// OutboxRepository queues integration events. IdempotencyKey is unique.
type OutboxRepository interface {
	// Enqueue inserts record unless one with the same idempotency key exists.
	Enqueue(ctx context.Context, record *models.OutboxRecord) (*models.OutboxRecord, bool, error)
	Get(ctx context.Context, id string) (*models.OutboxRecord, error)
	// ClaimDue returns pending records whose next attempt is at or before now
	// and pushes their next attempt to now+lease, so concurrent relays never
	// receive the same record while a delivery is in progress.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboxRecord, error)
	Update(ctx context.Context, record *models.OutboxRecord) error
}

type DeadLetterRepository interface {
	Add(ctx context.Context, letter *models.DeadLetter) error
	Get(ctx context.Context, id string) (*models.DeadLetter, error)
	List(ctx context.Context, limit int) ([]*models.DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}
