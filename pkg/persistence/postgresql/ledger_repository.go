package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/lib/pq"
)

// LedgerRepository implements ledger.Store. Every write is one statement;
// duplicate transactions are rejected by the unique idempotency_key column.
type LedgerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewLedgerRepository(db *sql.DB, logger *slog.Logger) *LedgerRepository {
	return &LedgerRepository{db: db, logger: logger}
}

func (r *LedgerRepository) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	var account ledger.Account

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, closed, created_at FROM accounts WHERE id = $1`, id,
	).Scan(&account.ID, &account.Name, &account.Closed, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", classify(err))
	}

	return &account, nil
}

func (r *LedgerRepository) SaveAccount(ctx context.Context, account *ledger.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO accounts (id, name, closed, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			closed = EXCLUDED.closed
	`

	_, err := r.db.ExecContext(ctx, query, account.ID, account.Name, account.Closed, account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", classify(err))
	}

	return nil
}

func (r *LedgerRepository) InsertTransaction(ctx context.Context, tx *ledger.Transaction) (*ledger.Transaction, bool, error) {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (id, account_id, booked_on, amount_cents, description, idempotency_key, execution_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`

	var id string

	err := r.db.QueryRowContext(ctx, query,
		tx.ID, tx.AccountID, tx.BookedOn, tx.AmountCents, tx.Description, tx.IdempotencyKey, tx.ExecutionID, tx.CreatedAt,
	).Scan(&id)
	if err == nil {
		stored := *tx

		return &stored, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", classify(err))
	}

	existing, err := r.scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, tx.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing transaction: %w", classify(err))
	}

	return existing, false, nil
}

const transactionColumns = `id, account_id, booked_on, amount_cents, description, idempotency_key, execution_id, created_at`

func (r *LedgerRepository) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	tx, err := r.scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", classify(err))
	}

	return tx, nil
}

func (r *LedgerRepository) DeleteTransactions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete transactions: %w", classify(err))
	}

	return nil
}

func (r *LedgerRepository) InsertInventoryUnits(ctx context.Context, units []ledger.InventoryUnit) error {
	if len(units) == 0 {
		return nil
	}

	var (
		ids, txIDs, itemIDs, expires []string
		seqs, prices                 []int64
	)

	for _, unit := range units {
		ids = append(ids, unit.ID)
		txIDs = append(txIDs, unit.TransactionID)
		itemIDs = append(itemIDs, unit.ItemID)
		seqs = append(seqs, int64(unit.Seq))
		prices = append(prices, unit.UnitPriceCents)
		expires = append(expires, unit.ExpiresOn)
	}

	query := `
		INSERT INTO inventory_units (id, transaction_id, item_id, seq, unit_price_cents, expires_on, created_at)
		SELECT u.id, u.transaction_id, u.item_id, u.seq, u.price, NULLIF(u.expires_on, '')::date, NOW()
		FROM UNNEST($1::text[], $2::text[], $3::text[], $4::int[], $5::bigint[], $6::text[])
			AS u(id, transaction_id, item_id, seq, price, expires_on)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		pq.Array(ids), pq.Array(txIDs), pq.Array(itemIDs), pq.Array(seqs), pq.Array(prices), pq.Array(expires))
	if err != nil {
		return fmt.Errorf("failed to insert inventory units: %w", classify(err))
	}

	return nil
}

func (r *LedgerRepository) DeleteInventoryUnitsByTransaction(ctx context.Context, transactionID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM inventory_units WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete inventory units: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete inventory units: %w", err)
	}

	return int(affected), nil
}

const unitColumns = `id, transaction_id, item_id, seq, unit_price_cents,
	COALESCE(to_char(expires_on, 'YYYY-MM-DD'), ''),
	COALESCE(to_char(expiry_notified_on, 'YYYY-MM-DD'), ''),
	created_at`

func (r *LedgerRepository) UnitsByTransaction(ctx context.Context, transactionID string) ([]ledger.InventoryUnit, error) {
	return r.queryUnits(ctx,
		`SELECT `+unitColumns+` FROM inventory_units WHERE transaction_id = $1 ORDER BY item_id, seq`,
		transactionID)
}

func (r *LedgerRepository) ExpiringUnits(ctx context.Context, until string) ([]ledger.InventoryUnit, error) {
	return r.queryUnits(ctx,
		`SELECT `+unitColumns+` FROM inventory_units
		WHERE expires_on IS NOT NULL AND expires_on <= $1::date
		ORDER BY transaction_id, item_id, seq`,
		until)
}

func (r *LedgerRepository) MarkExpiryNotified(ctx context.Context, unitID, on string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE inventory_units SET expiry_notified_on = $2::date WHERE id = $1`, unitID, on)
	if err != nil {
		return fmt.Errorf("failed to mark expiry notified: %w", classify(err))
	}

	return nil
}

func (r *LedgerRepository) queryUnits(ctx context.Context, query string, args ...any) ([]ledger.InventoryUnit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory units: %w", classify(err))
	}

	defer closeRows(ctx, r.logger, rows)

	var units []ledger.InventoryUnit

	for rows.Next() {
		var unit ledger.InventoryUnit

		err := rows.Scan(&unit.ID, &unit.TransactionID, &unit.ItemID, &unit.Seq, &unit.UnitPriceCents,
			&unit.ExpiresOn, &unit.ExpiryNotifiedOn, &unit.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory unit: %w", err)
		}

		units = append(units, unit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inventory units: %w", classify(err))
	}

	return units, nil
}

func (r *LedgerRepository) scanTransaction(row *sql.Row) (*ledger.Transaction, error) {
	var (
		tx       ledger.Transaction
		bookedOn time.Time
	)

	err := row.Scan(&tx.ID, &tx.AccountID, &bookedOn, &tx.AmountCents, &tx.Description,
		&tx.IdempotencyKey, &tx.ExecutionID, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}

	tx.BookedOn = bookedOn.Format(ledger.DateLayout)

	return &tx, nil
}
