package activity

import (
	"context"
	"errors"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/models"
)

// Classifier maps a step failure to its error class.
type Classifier interface {
	Classify(err error) models.ErrorClass
}

// Table is a per-step classification table. Explicit markers (Permanent,
// Transient) win, then Terminal, then Retryable, then Fallback.
type Table struct {
	Retryable []error
	Terminal  []error
	// Fallback applies to errors no entry matches. Empty means TERMINAL.
	Fallback models.ErrorClass
}

func (t Table) Classify(err error) models.ErrorClass {
	if err == nil {
		return ""
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.class
	}

	for _, target := range t.Terminal {
		if errors.Is(err, target) {
			return models.ErrorClassTerminal
		}
	}

	for _, target := range t.Retryable {
		if errors.Is(err, target) {
			return models.ErrorClassRetryable
		}
	}

	var storeErr *storeError
	if errors.As(err, &storeErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, idempotency.ErrInFlight) {
		return models.ErrorClassRetryable
	}

	if t.Fallback == "" {
		return models.ErrorClassTerminal
	}

	return t.Fallback
}

type classifiedError struct {
	class models.ErrorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

// Permanent marks err TERMINAL regardless of the step's table.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{class: models.ErrorClassTerminal, err: err}
}

// Transient marks err RETRYABLE regardless of the step's table.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{class: models.ErrorClassRetryable, err: err}
}

// storeError wraps idempotency store failures, which are infrastructure
// failures and always retryable.
type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string { return "idempotency " + e.op + ": " + e.err.Error() }

func (e *storeError) Unwrap() error { return e.err }

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var marked *classifiedError

	return errors.As(err, &marked) && marked.class == models.ErrorClassTerminal
}
