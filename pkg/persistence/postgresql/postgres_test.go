package postgresql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/dukex/homeledger/pkg/persistence/postgresql"
	"github.com/dukex/homeledger/pkg/testutil"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	postgresContainer *postgres.PostgresContainer
	containerMu       sync.Mutex
)

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{
		"dead_letters", "outbox", "inventory_units", "transactions", "accounts",
		"idempotency_keys", "execution_compensations", "executions", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	containerMu.Lock()
	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("homeledger_test"),
			postgres.WithUsername("homeledger"),
			postgres.WithPassword("homeledger"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}
	containerMu.Unlock()

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	p, err := postgresql.NewPersistence(ctx, log.Discard(), databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx
}

func TestNewPersistence_MigrationsAndHealth(t *testing.T) {
	p, ctx := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	var version int

	err := p.DB().QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
}

func TestExecutionRepository_Lifecycle(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.Executions()

	exec := models.NewExecution(uuid.NewString(), models.WorkflowTypePurchase, "K1",
		json.RawMessage(`{"accountId":"acct-1"}`), "corr-1", []string{"validate_account", "create_transaction"})
	deadline := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	exec.Deadline = &deadline

	_, created, err := repo.Create(ctx, exec)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := repo.Create(ctx, exec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, exec.ID, again.ID)

	_, err = repo.RequestCancel(ctx, exec.ID)
	require.NoError(t, err)

	require.NoError(t, exec.Transition(models.ExecutionStatusRunning))
	exec.UpsertStep(models.StepRecord{Name: "validate_account", Status: models.StepStatusSucceeded, Attempts: 1})
	require.NoError(t, p.Compensations().Append(ctx, exec.ID, models.CompensationEntry{
		Step: "create_transaction", ResourceType: "transaction", ResourceIDs: []string{"tx-1"},
	}))
	exec.CompensationDepth = 1
	exec.Carry = json.RawMessage(`{"imported":2}`)
	exec.Cursor = 1
	require.NoError(t, repo.Save(ctx, exec))
	assert.Equal(t, int64(1), exec.Version)

	stored, err := repo.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	assert.True(t, stored.CancelRequested)
	assert.Equal(t, 1, stored.Cursor)
	assert.Equal(t, []string{"validate_account", "create_transaction"}, stored.StepPlan)
	assert.Equal(t, 1, stored.CompensationDepth)
	assert.JSONEq(t, `{"imported":2}`, string(stored.Carry))

	entries, err := p.Compensations().List(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"tx-1"}, entries[0].ResourceIDs)
	require.NotNil(t, stored.Deadline)
	assert.True(t, deadline.Equal(*stored.Deadline))
	assert.JSONEq(t, `{"accountId":"acct-1"}`, string(stored.Input))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	found, err := repo.FindByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, exec.ID, found.ID)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_ClaimsAndVersions(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.Executions()

	exec := models.NewExecution(uuid.NewString(), models.WorkflowTypePurchase, "K1",
		json.RawMessage(`{}`), "corr-claim", []string{"validate_account"})
	_, _, err := repo.Create(ctx, exec)
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, exec.ID, "engine-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", claimed.Owner)

	_, err = repo.Claim(ctx, exec.ID, "engine-b", time.Minute)
	assert.True(t, persistence.IsExecutionClaimed(err))

	stale := claimed.Snapshot()

	require.NoError(t, claimed.Transition(models.ExecutionStatusRunning))
	require.NoError(t, repo.Save(ctx, claimed))

	require.NoError(t, stale.Transition(models.ExecutionStatusRunning))
	err = repo.Save(ctx, stale)
	assert.True(t, persistence.IsExecutionConflict(err))

	require.NoError(t, repo.ReleaseClaim(ctx, exec.ID, "engine-a"))

	taken, err := repo.Claim(ctx, exec.ID, "engine-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "engine-b", taken.Owner)
	assert.Equal(t, claimed.Version, taken.Version)

	require.NoError(t, taken.Transition(models.ExecutionStatusCompleted))
	require.NoError(t, repo.Save(ctx, taken))

	finished := taken.Snapshot()
	err = repo.Save(ctx, finished)
	assert.True(t, persistence.IsExecutionConflict(err))
}

func TestIdempotencyRepository_Conformance(t *testing.T) {
	testutil.RunIdempotencyStoreSuite(t, func(t *testing.T) idempotency.Store {
		t.Helper()

		p, _ := setupTestDB(t)

		return p.Idempotency()
	})
}

func TestLedgerRepository_TransactionsAndUnits(t *testing.T) {
	p, ctx := setupTestDB(t)
	store := p.Ledger()

	require.NoError(t, store.SaveAccount(ctx, &ledger.Account{ID: "acct-1", Name: "Checking"}))

	tx, created, err := store.InsertTransaction(ctx, &ledger.Transaction{
		ID: "tx-1", AccountID: "acct-1", BookedOn: "2026-03-01", AmountCents: -700,
		Description: "groceries", IdempotencyKey: "K1", ExecutionID: "exec-1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = store.InsertTransaction(ctx, &ledger.Transaction{
		ID: "tx-2", AccountID: "acct-1", BookedOn: "2026-03-01", AmountCents: -700, IdempotencyKey: "K1",
	})
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = store.InsertTransaction(ctx, &ledger.Transaction{
		ID: "tx-3", AccountID: "missing", BookedOn: "2026-03-01", IdempotencyKey: "K3",
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	units := []ledger.InventoryUnit{
		{ID: ledger.UnitID(tx.ID, "milk", 0), TransactionID: tx.ID, ItemID: "milk", UnitPriceCents: 350, ExpiresOn: "2026-03-03"},
		{ID: ledger.UnitID(tx.ID, "milk", 1), TransactionID: tx.ID, ItemID: "milk", Seq: 1, UnitPriceCents: 350, ExpiresOn: "2026-03-03"},
		{ID: ledger.UnitID(tx.ID, "soap", 0), TransactionID: tx.ID, ItemID: "soap", UnitPriceCents: 100},
	}
	require.NoError(t, store.InsertInventoryUnits(ctx, units))
	require.NoError(t, store.InsertInventoryUnits(ctx, units))

	expiring, err := store.ExpiringUnits(ctx, "2026-03-04")
	require.NoError(t, err)
	require.Len(t, expiring, 2)
	assert.Equal(t, "2026-03-03", expiring[0].ExpiresOn)

	require.NoError(t, store.MarkExpiryNotified(ctx, expiring[0].ID, "2026-03-01"))

	got, err := store.UnitsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	require.NoError(t, store.DeleteTransactions(ctx, []string{tx.ID}))

	_, err = store.GetTransaction(ctx, tx.ID)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	got, err = store.UnitsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOutboxAndDeadLetterRepositories(t *testing.T) {
	p, ctx := setupTestDB(t)
	now := time.Now().UTC()

	record := &models.OutboxRecord{
		ID: uuid.NewString(), EventType: "purchase.registered", IdempotencyKey: "purchase.registered:exec-1",
		CorrelationID: "corr-1", Payload: []byte(`{"eventId":"e1"}`), Status: models.OutboxStatusPending,
		NextAttemptAt: now, CreatedAt: now,
	}

	_, created, err := p.Outbox().Enqueue(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *record
	dup.ID = uuid.NewString()
	existing, created, err := p.Outbox().Enqueue(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, record.ID, existing.ID)

	due, err := p.Outbox().ClaimDue(ctx, now.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	again, err := p.Outbox().ClaimDue(ctx, now.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	delivered := now
	due[0].Status = models.OutboxStatusDelivered
	due[0].Attempts = 1
	due[0].DeliveredAt = &delivered
	require.NoError(t, p.Outbox().Update(ctx, due[0]))

	due, err = p.Outbox().ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	letter := &models.DeadLetter{
		ID: uuid.NewString(), OriginalRoutingKey: "purchase.registered", RejectionReason: "bad payload",
		OriginalPayload: []byte(`{}`), Source: models.DeadLetterSourceConsumer, CreatedAt: now,
	}
	require.NoError(t, p.DeadLetters().Add(ctx, letter))

	letters, err := p.DeadLetters().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "bad payload", letters[0].RejectionReason)

	require.NoError(t, p.DeadLetters().MarkReplayed(ctx, letter.ID, now))

	stored, err := p.DeadLetters().Get(ctx, letter.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ReplayedAt)
}
