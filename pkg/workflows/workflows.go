// Package workflows defines the household workflows: registering a purchase,
// importing a batch of transactions and sweeping inventory for expiry.
package workflows

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/compensation"
	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/workflow"
)

//go:embed schemas/*.json
var schemas embed.FS

func schema(name string) string {
	raw, err := schemas.ReadFile("schemas/" + name + ".json")
	if err != nil {
		panic(fmt.Sprintf("missing schema %s: %v", name, err))
	}

	return string(raw)
}

// ledgerErrors classifies ledger store failures.
var ledgerErrors = activity.Table{
	Terminal: []error{
		ledger.ErrAccountNotFound,
		ledger.ErrAccountClosed,
		ledger.ErrInvalidTransaction,
		ledger.ErrTransactionNotFound,
	},
	Retryable: []error{
		ledger.ErrConflict,
		ledger.ErrUnavailable,
		idempotency.ErrInFlight,
	},
}

// Dependencies are the resources the workflows act on.
type Dependencies struct {
	Ledger      ledger.Store
	Idempotency idempotency.Store
	Emitter     workflow.Emitter
}

// Register adds every workflow to workflows and their undo handlers to
// compensations.
func Register(workflows *workflow.Registry, compensations *compensation.Registry, deps Dependencies, opts ...ImportOption) error {
	for _, def := range []workflow.Definition{
		NewPurchase(deps.Ledger),
		NewImport(deps.Ledger, deps.Idempotency, opts...),
		NewSweep(deps.Ledger, deps.Idempotency, deps.Emitter),
	} {
		if err := workflows.Register(def); err != nil {
			return err
		}
	}

	RegisterCompensations(compensations, deps.Ledger, deps.Idempotency)

	return nil
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, activity.Permanent(fmt.Errorf("failed to encode output: %w", err))
	}

	return raw, nil
}
