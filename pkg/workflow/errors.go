package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/homeledger/pkg/models"
)

// Kind classifies a workflow failure for callers and for the stored error
// summary.
type Kind string

const (
	// KindValidation is returned synchronously by Start. Nothing ran.
	KindValidation Kind = "ValidationFailure"
	// KindTransient is an infrastructure failure that outlived its retries.
	KindTransient Kind = "TransientInfrastructureFailure"
	// KindBusinessRule is a terminal step failure. Completed steps are compensated.
	KindBusinessRule Kind = "BusinessRuleViolation"
	// KindCompensation means a rollback left unresolved effects.
	KindCompensation Kind = "CompensationFailure"
	// KindDuplicate marks a repeated Start. It is reported, not raised.
	KindDuplicate Kind = "DuplicateRequest"
	// KindCancelled records a cooperative cancellation.
	KindCancelled Kind = "Cancelled"
	// KindDeadlineExceeded records that the execution ceiling passed.
	KindDeadlineExceeded Kind = "DeadlineExceeded"
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow type")
	ErrKeyReused       = errors.New("execution key reused with different input")
	ErrUnknownStep     = errors.New("unknown step")
)

// Error is a classified workflow failure.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}

	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so errors.Is(err,
// &Error{Kind: KindValidation}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func newError(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// ValidationError builds a validation failure for workflow definitions.
func ValidationError(reason string, err error) error {
	return newError(KindValidation, "", reason, err)
}

func IsValidation(err error) bool {
	return kindOf(err) == KindValidation
}

func IsUnknownWorkflow(err error) bool {
	return errors.Is(err, ErrUnknownWorkflow)
}

func kindOf(err error) Kind {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Kind
	}

	return ""
}

func summary(kind Kind, step, reason string, err error) models.ExecutionError {
	execErr := models.ExecutionError{
		Kind:   string(kind),
		Reason: reason,
		Step:   step,
	}

	if err != nil {
		execErr.Detail = err.Error()
	}

	return execErr
}

func compensationSummary(cause *models.ExecutionError, unresolved []models.CompensationEntry) models.ExecutionError {
	reason := fmt.Sprintf("%d compensation(s) could not be applied", len(unresolved))

	execErr := models.ExecutionError{Kind: string(KindCompensation), Reason: reason}
	if cause != nil {
		execErr.Detail = cause.Kind + ": " + cause.Reason
		execErr.Step = cause.Step
	}

	return execErr
}
