package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/homeledger/pkg/compensation"
	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/retry"
)

// RegisterCompensations adds the undo handlers for every resource type the
// workflows create.
func RegisterCompensations(registry *compensation.Registry, store ledger.Store, idem idempotency.Store) {
	registry.Register(ResourceTransaction, compensation.Handler{
		Policy:     retry.Default,
		Timeout:    10 * time.Second,
		Classifier: ledgerErrors,
		Undo: func(ctx context.Context, entry models.CompensationEntry) error {
			return store.DeleteTransactions(ctx, entry.ResourceIDs)
		},
	})

	registry.Register(ResourceInventoryUnits, compensation.Handler{
		Policy:     retry.Default,
		Timeout:    10 * time.Second,
		Classifier: ledgerErrors,
		Undo: func(ctx context.Context, entry models.CompensationEntry) error {
			for _, transactionID := range entry.ResourceIDs {
				if _, err := store.DeleteInventoryUnitsByTransaction(ctx, transactionID); err != nil {
					return err
				}
			}

			return nil
		},
	})

	registry.Register(ResourceImportedTransactions, compensation.Handler{
		Policy:     retry.Default,
		Timeout:    30 * time.Second,
		Classifier: ledgerErrors,
		Undo: func(ctx context.Context, entry models.CompensationEntry) error {
			return undoImportedRows(ctx, store, idem, entry.ResourceIDs)
		},
	})
}

// undoImportedRows deletes the transactions of rowKeys and forgets the keys so
// the rows can be imported again.
func undoImportedRows(ctx context.Context, store ledger.Store, idem idempotency.Store, rowKeys []string) error {
	if len(rowKeys) == 0 {
		return nil
	}

	ids := make([]string, len(rowKeys))
	for i, rowKey := range rowKeys {
		ids[i] = ledger.TransactionID(ImportTransactionKey(rowKey))
	}

	if err := store.DeleteTransactions(ctx, ids); err != nil {
		return err
	}

	for _, rowKey := range rowKeys {
		if err := idem.Forget(ctx, rowKey); err != nil {
			return fmt.Errorf("failed to forget row %s: %w", rowKey, err)
		}
	}

	return nil
}
