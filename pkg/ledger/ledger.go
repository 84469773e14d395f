// Package ledger holds the household ledger and inventory resources the
// workflows write to.
package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountClosed       = errors.New("account closed")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrConflict is an optimistic-lock, serialization or deadlock failure.
	ErrConflict = errors.New("ledger write conflict")
	// ErrUnavailable means the backing store could not be reached.
	ErrUnavailable = errors.New("ledger store unavailable")
)

// DateLayout is the calendar-day format used for booking and expiry dates.
const DateLayout = time.DateOnly

var unitNamespace = uuid.MustParse("5b0f7d4c-6a07-4a53-9d8e-4c1f3b7f0a11")

type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is a booked ledger entry. IdempotencyKey is unique for the
// lifetime of the ledger.
type Transaction struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	BookedOn       string    `json:"booked_on"`
	AmountCents    int64     `json:"amount_cents"`
	Description    string    `json:"description"`
	IdempotencyKey string    `json:"idempotency_key"`
	ExecutionID    string    `json:"execution_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// InventoryUnit is one physical item bought through a transaction.
type InventoryUnit struct {
	ID               string    `json:"id"`
	TransactionID    string    `json:"transaction_id"`
	ItemID           string    `json:"item_id"`
	Seq              int       `json:"seq"`
	UnitPriceCents   int64     `json:"unit_price_cents"`
	ExpiresOn        string    `json:"expires_on,omitempty"`
	ExpiryNotifiedOn string    `json:"expiry_notified_on,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is the resource store behind the ledger and inventory activities.
// Every write is a single atomic statement.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	SaveAccount(ctx context.Context, account *Account) error

	// InsertTransaction inserts tx unless one with the same IdempotencyKey
	// exists. It returns the stored row and whether it was created.
	InsertTransaction(ctx context.Context, tx *Transaction) (*Transaction, bool, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// DeleteTransactions removes the transactions and their inventory units.
	// Missing ids are ignored.
	DeleteTransactions(ctx context.Context, ids []string) error

	// InsertInventoryUnits inserts the units, skipping ids that already exist.
	InsertInventoryUnits(ctx context.Context, units []InventoryUnit) error
	DeleteInventoryUnitsByTransaction(ctx context.Context, transactionID string) (int, error)
	UnitsByTransaction(ctx context.Context, transactionID string) ([]InventoryUnit, error)

	// ExpiringUnits lists units whose expiry date is on or before until.
	ExpiringUnits(ctx context.Context, until string) ([]InventoryUnit, error)
	MarkExpiryNotified(ctx context.Context, unitID, on string) error
}

// UnitID derives a stable inventory unit id so a retried insert targets the
// same rows.
func UnitID(transactionID, itemID string, seq int) string {
	return uuid.NewSHA1(unitNamespace, []byte(transactionID+":"+itemID+":"+strconv.Itoa(seq))).String()
}

// TransactionID derives a stable transaction id from its idempotency key.
func TransactionID(idempotencyKey string) string {
	return uuid.NewSHA1(unitNamespace, []byte("tx:"+idempotencyKey)).String()
}

// ValidateDate checks a YYYY-MM-DD calendar date.
func ValidateDate(day string) error {
	if _, err := time.Parse(DateLayout, day); err != nil {
		return ErrInvalidTransaction
	}

	return nil
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}
