package ledger_test

import (
	"context"
	"testing"

	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_InsertTransactionIsIdempotentByKey(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, &ledger.Account{ID: "acct-1", Name: "Checking"}))

	first, created, err := store.InsertTransaction(ctx, &ledger.Transaction{
		ID: "tx-1", AccountID: "acct-1", BookedOn: "2026-03-01", AmountCents: -700, IdempotencyKey: "K1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.InsertTransaction(ctx, &ledger.Transaction{
		ID: "tx-2", AccountID: "acct-1", BookedOn: "2026-03-01", AmountCents: -700, IdempotencyKey: "K1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.Transactions(), 1)
}

func TestMemoryStore_InsertTransactionUnknownAccount(t *testing.T) {
	store := ledger.NewMemoryStore()

	_, _, err := store.InsertTransaction(context.Background(), &ledger.Transaction{ID: "tx-1", AccountID: "missing", IdempotencyKey: "K"})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestMemoryStore_DeleteTransactionsCascadesUnits(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, &ledger.Account{ID: "acct-1"}))
	_, _, err := store.InsertTransaction(ctx, &ledger.Transaction{ID: "tx-1", AccountID: "acct-1", IdempotencyKey: "K1"})
	require.NoError(t, err)

	units := []ledger.InventoryUnit{
		{ID: ledger.UnitID("tx-1", "item-x", 0), TransactionID: "tx-1", ItemID: "item-x", Seq: 0},
		{ID: ledger.UnitID("tx-1", "item-x", 1), TransactionID: "tx-1", ItemID: "item-x", Seq: 1},
	}
	require.NoError(t, store.InsertInventoryUnits(ctx, units))
	require.NoError(t, store.InsertInventoryUnits(ctx, units))

	got, err := store.UnitsByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, store.DeleteTransactions(ctx, []string{"tx-1", "tx-missing"}))
	require.NoError(t, store.DeleteTransactions(ctx, []string{"tx-1"}))

	_, err = store.GetTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	got, err = store.UnitsByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_ExpiringUnits(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, &ledger.Account{ID: "acct-1"}))
	_, _, err := store.InsertTransaction(ctx, &ledger.Transaction{ID: "tx-1", AccountID: "acct-1", IdempotencyKey: "K1"})
	require.NoError(t, err)

	require.NoError(t, store.InsertInventoryUnits(ctx, []ledger.InventoryUnit{
		{ID: "u1", TransactionID: "tx-1", ItemID: "milk", ExpiresOn: "2026-03-02"},
		{ID: "u2", TransactionID: "tx-1", ItemID: "rice", ExpiresOn: "2027-01-01"},
		{ID: "u3", TransactionID: "tx-1", ItemID: "soap"},
	}))

	units, err := store.ExpiringUnits(ctx, "2026-03-04")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "u1", units[0].ID)
}

func TestUnitID_Stable(t *testing.T) {
	assert.Equal(t, ledger.UnitID("tx", "item", 3), ledger.UnitID("tx", "item", 3))
	assert.NotEqual(t, ledger.UnitID("tx", "item", 3), ledger.UnitID("tx", "item", 4))
	assert.Equal(t, ledger.TransactionID("K1"), ledger.TransactionID("K1"))
}
