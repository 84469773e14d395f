// Package postgresql provides the PostgreSQL persistence implementation for
// executions, compensation logs, idempotency keys, the ledger, the outbox and dead letters.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/dukex/homeledger/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db               *sql.DB
	logger           *slog.Logger
	executionRepo    *ExecutionRepository
	compensationRepo *CompensationRepository
	idempotencyRepo  *IdempotencyRepository
	ledgerRepo       *LedgerRepository
	outboxRepo       *OutboxRepository
	deadLetterRepo   *DeadLetterRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return newPersistence(database, logger), nil
}

func newPersistence(database *sql.DB, logger *slog.Logger) *Persistence {
	return &Persistence{
		db:               database,
		logger:           logger,
		executionRepo:    NewExecutionRepository(database, logger),
		compensationRepo: NewCompensationRepository(database, logger),
		idempotencyRepo:  NewIdempotencyRepository(database, logger),
		ledgerRepo:       NewLedgerRepository(database, logger),
		outboxRepo:       NewOutboxRepository(database, logger),
		deadLetterRepo:   NewDeadLetterRepository(database, logger),
	}
}

func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executionRepo }

func (p *Persistence) Compensations() persistence.CompensationRepository { return p.compensationRepo }

func (p *Persistence) Idempotency() idempotency.Store { return p.idempotencyRepo }

func (p *Persistence) Ledger() ledger.Store { return p.ledgerRepo }

func (p *Persistence) Outbox() persistence.OutboxRepository { return p.outboxRepo }

func (p *Persistence) DeadLetters() persistence.DeadLetterRepository { return p.deadLetterRepo }

// DB exposes the connection pool, e.g. for a shared redis-less deployment.
func (p *Persistence) DB() *sql.DB { return p.db }

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// closeRows logs a failure to close a result set.
func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	if closeErr := rows.Close(); closeErr != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
	}
}
