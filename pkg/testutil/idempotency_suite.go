// Package testutil provides shared fixtures and conformance suites for tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunIdempotencyStoreSuite checks the contract every idempotency.Store backend
// must honour.
func RunIdempotencyStoreSuite(t *testing.T, newStore func(t *testing.T) idempotency.Store) {
	t.Helper()

	t.Run("reserve then complete serves cached result", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, acquired, err := store.Reserve(ctx, "k1", "exec-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		require.NoError(t, store.Complete(ctx, "k1", "exec-1", []byte(`{"id":"tx-1"}`), time.Hour))

		record, acquired, err := store.Reserve(ctx, "k1", "exec-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Equal(t, models.IdempotencyStateCompleted, record.State)
		assert.Equal(t, "exec-1", record.Owner)
		assert.JSONEq(t, `{"id":"tx-1"}`, string(record.Result))
	})

	t.Run("in flight key blocks other owners", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, acquired, err := store.Reserve(ctx, "k2", "exec-1", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		record, acquired, err := store.Reserve(ctx, "k2", "exec-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Equal(t, models.IdempotencyStateInFlight, record.State)

		_, acquired, err = store.Reserve(ctx, "k2", "exec-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired, "same owner reclaims its own marker")
	})

	t.Run("release only drops in flight marker of owner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, _, err := store.Reserve(ctx, "k3", "exec-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, store.Release(ctx, "k3", "exec-2"))
		_, err = store.Get(ctx, "k3")
		require.NoError(t, err)

		require.NoError(t, store.Release(ctx, "k3", "exec-1"))
		_, err = store.Get(ctx, "k3")
		assert.ErrorIs(t, err, idempotency.ErrNotFound)

		require.NoError(t, store.Complete(ctx, "k3", "exec-1", []byte("done"), time.Hour))
		require.NoError(t, store.Release(ctx, "k3", "exec-1"))

		record, err := store.Get(ctx, "k3")
		require.NoError(t, err)
		assert.Equal(t, models.IdempotencyStateCompleted, record.State)
	})

	t.Run("complete is refused while another owner holds the key", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, acquired, err := store.Reserve(ctx, "k6", "exec-1", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		err = store.Complete(ctx, "k6", "exec-2", []byte("stolen"), time.Hour)
		assert.ErrorIs(t, err, idempotency.ErrNotOwner)

		record, err := store.Get(ctx, "k6")
		require.NoError(t, err)
		assert.Equal(t, models.IdempotencyStateInFlight, record.State)
		assert.Equal(t, "exec-1", record.Owner)

		require.NoError(t, store.Complete(ctx, "k6", "exec-1", []byte("done"), time.Hour))

		err = store.Complete(ctx, "k6", "exec-2", []byte("late"), time.Hour)
		assert.ErrorIs(t, err, idempotency.ErrNotOwner)

		record, err = store.Get(ctx, "k6")
		require.NoError(t, err)
		assert.Equal(t, models.IdempotencyStateCompleted, record.State)
		assert.Equal(t, "done", string(record.Result))
	})

	t.Run("forget removes completed key", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Complete(ctx, "k4", "exec-1", []byte("done"), time.Hour))
		require.NoError(t, store.Forget(ctx, "k4"))

		_, acquired, err := store.Reserve(ctx, "k4", "exec-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("concurrent reserve has a single winner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var (
			winners atomic.Int32
			wg      sync.WaitGroup
		)

		for i := range 16 {
			wg.Add(1)

			go func(owner int) {
				defer wg.Done()

				_, acquired, err := store.Reserve(ctx, "k5", "exec-"+string(rune('a'+owner)), time.Minute)
				assert.NoError(t, err)

				if acquired {
					winners.Add(1)
				}
			}(i)
		}

		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}
