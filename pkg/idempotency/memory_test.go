package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	testutil.RunIdempotencyStoreSuite(t, func(t *testing.T) idempotency.Store {
		t.Helper()

		return idempotency.NewMemoryStore()
	})
}

func TestMemoryStore_ExpiredRecordCanBeReserved(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := idempotency.NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Complete(ctx, "k", "exec-1", []byte("done"), time.Hour))

	now = now.Add(2 * time.Hour)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)

	_, acquired, err := store.Reserve(ctx, "k", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestKey_Deterministic(t *testing.T) {
	a := idempotency.Key("acct-1", "2026-03-01", "-350", "groceries")
	b := idempotency.Key("acct-1", "2026-03-01", "-350", "groceries")
	c := idempotency.Key("acct-1", "2026-03-01", "-350", "groceries ")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
