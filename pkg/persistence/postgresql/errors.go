package postgresql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/lib/pq"
)

// classify maps driver failures onto the ledger error taxonomy so activity
// classification tables can tell transient from permanent failures.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
		case "23503":
			if pqErr.Table == "inventory_units" {
				return fmt.Errorf("%w: %w", ledger.ErrTransactionNotFound, err)
			}

			return fmt.Errorf("%w: %w", ledger.ErrAccountNotFound, err)
		case "22007", "22008", "23514":
			return fmt.Errorf("%w: %w", ledger.ErrInvalidTransaction, err)
		}

		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
		}

		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}

	return err
}
