// Package memory implements persistence.Persistence in process memory.
package memory

import (
	"context"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/persistence"
)

type Persistence struct {
	executions    *ExecutionRepository
	compensations *CompensationRepository
	idempotency   *idempotency.MemoryStore
	ledger        *ledger.MemoryStore
	outbox        *OutboxRepository
	deadLetters   *DeadLetterRepository
}

func NewPersistence() *Persistence {
	return &Persistence{
		executions:    NewExecutionRepository(),
		compensations: NewCompensationRepository(),
		idempotency:   idempotency.NewMemoryStore(),
		ledger:        ledger.NewMemoryStore(),
		outbox:        NewOutboxRepository(),
		deadLetters:   NewDeadLetterRepository(),
	}
}

func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executions }

func (p *Persistence) Compensations() persistence.CompensationRepository { return p.compensations }

func (p *Persistence) Idempotency() idempotency.Store { return p.idempotency }

func (p *Persistence) Ledger() ledger.Store { return p.ledger }

func (p *Persistence) Outbox() persistence.OutboxRepository { return p.outbox }

func (p *Persistence) DeadLetters() persistence.DeadLetterRepository { return p.deadLetters }

// LedgerStore exposes the concrete ledger store for test assertions.
func (p *Persistence) LedgerStore() *ledger.MemoryStore { return p.ledger }

func (p *Persistence) HealthCheck(context.Context) error { return nil }

func (p *Persistence) Close(context.Context) error { return nil }
