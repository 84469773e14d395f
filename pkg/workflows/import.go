package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/retry"
	"github.com/dukex/homeledger/pkg/workflow"
)

const (
	DefaultBatchSize   = 100
	DefaultSegmentSize = 20

	persistBatchPrefix = "persist_batch_"

	ResourceImportedTransactions = "imported_transactions"

	maxDescriptionLength = 200
)

type ImportRow struct {
	BookedOn    string `json:"bookedOn"`
	AmountCents int64  `json:"amountCents"`
	Description string `json:"description"`
}

type ImportInput struct {
	AccountID string      `json:"accountId" validate:"required"`
	Rows      []ImportRow `json:"rows"      validate:"required,min=1"`
}

// RowFailure explains why a row was not imported.
type RowFailure struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type ImportResult struct {
	AccountID string       `json:"accountId"`
	Imported  int          `json:"imported"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Failures  []RowFailure `json:"failures,omitempty"`
}

// importCarry sums the batches folded at segment boundaries.
type importCarry struct {
	Imported int          `json:"imported"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Failures []RowFailure `json:"failures,omitempty"`
}

func (c *importCarry) add(out batchOutput) {
	c.Imported += out.Imported
	c.Skipped += out.Skipped
	c.Failed += out.Failed
	c.Failures = append(c.Failures, out.Failures...)
}

type batchOutput struct {
	Imported int          `json:"imported"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Failures []RowFailure `json:"failures,omitempty"`
	// RowKeys are the rows this execution created.
	RowKeys []string `json:"rowKeys,omitempty"`
}

// rowClaim is cached under a row key once the row is stored.
type rowClaim struct {
	TransactionID string `json:"transactionId"`
	ExecutionID   string `json:"executionId"`
	Row           int    `json:"row"`
}

// RowKey identifies a row by its business fields.
func RowKey(accountID string, row ImportRow) string {
	return idempotency.Key("import-row", accountID, row.BookedOn, strconv.FormatInt(row.AmountCents, 10), row.Description)
}

// ImportTransactionKey is the permanent uniqueness key of an imported row.
func ImportTransactionKey(rowKey string) string {
	return "import:" + rowKey
}

type ImportOption func(*Import)

func WithBatchSize(size int) ImportOption {
	return func(i *Import) { i.batchSize = size }
}

// WithSegmentSize bounds how many batches run before continuing as new.
func WithSegmentSize(size int) ImportOption {
	return func(i *Import) { i.segmentSize = size }
}

// Import books a batch of transactions, one persist step per chunk of rows.
// Rows failing business validation are reported, not compensated.
type Import struct {
	ledger      ledger.Store
	idempotency idempotency.Store
	batchSize   int
	segmentSize int
}

func NewImport(store ledger.Store, idem idempotency.Store, opts ...ImportOption) *Import {
	i := &Import{
		ledger:      store,
		idempotency: idem,
		batchSize:   DefaultBatchSize,
		segmentSize: DefaultSegmentSize,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

func (i *Import) Type() models.WorkflowType { return models.WorkflowTypeImport }

func (i *Import) Schema() string { return schema("import") }

func (i *Import) Limits() workflow.Limits {
	return workflow.Limits{Timeout: 2 * time.Hour, SegmentSize: i.segmentSize}
}

func (i *Import) Plan(input json.RawMessage) ([]string, error) {
	var in ImportInput
	if err := workflow.DecodeInput(input, &in); err != nil {
		return nil, err
	}

	batches := (len(in.Rows) + i.batchSize - 1) / i.batchSize

	plan := make([]string, 0, batches+1)
	plan = append(plan, StepValidateAccount)

	for n := 1; n <= batches; n++ {
		plan = append(plan, persistBatchPrefix+strconv.Itoa(n))
	}

	return plan, nil
}

func (i *Import) Step(name string) (workflow.Step, bool) {
	if name == StepValidateAccount {
		return validateAccountStep(i.ledger, func(exec *models.Execution) (string, error) {
			in, err := importInput(exec)

			return in.AccountID, err
		}), true
	}

	n, ok := batchNumber(name)
	if !ok {
		return workflow.Step{}, false
	}

	return workflow.Step{
		Name:       name,
		Policy:     retry.Default,
		Timeout:    time.Minute,
		Classifier: ledgerErrors,
		Run: func(ctx context.Context, exec *models.Execution) ([]byte, error) {
			return i.persistBatch(ctx, exec, n)
		},
		Compensation: func(output []byte) (*models.CompensationEntry, error) {
			var out batchOutput
			if err := json.Unmarshal(output, &out); err != nil {
				return nil, err
			}

			if len(out.RowKeys) == 0 {
				return nil, nil
			}

			return &models.CompensationEntry{ResourceType: ResourceImportedTransactions, ResourceIDs: out.RowKeys}, nil
		},
	}, true
}

func batchNumber(name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, persistBatchPrefix)
	if !ok {
		return 0, false
	}

	n, err := strconv.Atoi(suffix)
	if err != nil || n < 1 {
		return 0, false
	}

	return n, true
}

// persistBatch stores batch n. Retrying it is safe: rows this execution
// already stored are recognized by their cached claim.
func (i *Import) persistBatch(ctx context.Context, exec *models.Execution, n int) ([]byte, error) {
	in, err := importInput(exec)
	if err != nil {
		return nil, err
	}

	start := (n - 1) * i.batchSize
	if start >= len(in.Rows) {
		return nil, activity.Permanent(fmt.Errorf("batch %d is out of range", n))
	}

	end := min(start+i.batchSize, len(in.Rows))

	var out batchOutput

	for idx := start; idx < end; idx++ {
		row := in.Rows[idx]
		rowNumber := idx + 1

		if reason := validateRow(row); reason != "" {
			out.Failed++
			out.Failures = append(out.Failures, RowFailure{Row: rowNumber, Reason: reason})

			continue
		}

		status, rowKey, err := i.persistRow(ctx, exec, in.AccountID, row, rowNumber)
		if err != nil {
			if infrastructureFailure(ctx, err) {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					err = fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
				}

				// A failed step leaves no compensation entry, so its rows are
				// removed here and recreated by the next attempt.
				if undoErr := undoImportedRows(context.WithoutCancel(ctx), i.ledger, i.idempotency, out.RowKeys); undoErr != nil {
					return nil, errors.Join(err, undoErr)
				}

				return nil, err
			}

			out.Failed++
			out.Failures = append(out.Failures, RowFailure{Row: rowNumber, Reason: err.Error()})

			continue
		}

		switch status {
		case rowImported:
			out.Imported++
			out.RowKeys = append(out.RowKeys, rowKey)
		case rowSkipped:
			out.Skipped++
		}
	}

	return encode(out)
}

// infrastructureFailure reports errors that say nothing about the row itself.
// They fail the whole batch so the step is retried.
func infrastructureFailure(ctx context.Context, err error) bool {
	return ledger.IsTransient(err) ||
		errors.Is(err, idempotency.ErrInFlight) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

type rowStatus int

const (
	rowImported rowStatus = iota
	rowSkipped
)

func (i *Import) persistRow(ctx context.Context, exec *models.Execution, accountID string, row ImportRow, rowNumber int) (rowStatus, string, error) {
	rowKey := RowKey(accountID, row)

	record, acquired, err := i.idempotency.Reserve(ctx, rowKey, exec.ID, idempotency.DefaultLease)
	if err != nil {
		return 0, rowKey, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}

	if !acquired {
		if !record.Completed() {
			return 0, rowKey, idempotency.ErrInFlight
		}

		var claim rowClaim
		if err := json.Unmarshal(record.Result, &claim); err == nil && claim.ExecutionID == exec.ID && claim.Row == rowNumber {
			return rowImported, rowKey, nil
		}

		return rowSkipped, rowKey, nil
	}

	key := ImportTransactionKey(rowKey)

	tx, _, err := i.ledger.InsertTransaction(ctx, &ledger.Transaction{
		ID:             ledger.TransactionID(key),
		AccountID:      accountID,
		BookedOn:       row.BookedOn,
		AmountCents:    row.AmountCents,
		Description:    row.Description,
		IdempotencyKey: key,
		ExecutionID:    exec.ID,
	})
	if err != nil {
		if releaseErr := i.idempotency.Release(context.WithoutCancel(ctx), rowKey, exec.ID); releaseErr != nil {
			return 0, rowKey, fmt.Errorf("%w: %w", ledger.ErrUnavailable, releaseErr)
		}

		return 0, rowKey, err
	}

	claim, err := json.Marshal(rowClaim{TransactionID: tx.ID, ExecutionID: tx.ExecutionID, Row: rowNumber})
	if err != nil {
		return 0, rowKey, err
	}

	if err := i.idempotency.Complete(ctx, rowKey, exec.ID, claim, idempotency.DefaultTTL); err != nil {
		return 0, rowKey, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}

	// The unique constraint outlives the cache: a row stored by another
	// execution is a duplicate even after its cached claim expired.
	if tx.ExecutionID != exec.ID {
		return rowSkipped, rowKey, nil
	}

	return rowImported, rowKey, nil
}

func validateRow(row ImportRow) string {
	if err := ledger.ValidateDate(row.BookedOn); err != nil {
		return "invalid booking date"
	}

	if row.AmountCents == 0 {
		return "amount must not be zero"
	}

	if len(row.Description) > maxDescriptionLength {
		return "description too long"
	}

	return ""
}

// Fold sums the batch outputs into the carry. Row keys are dropped: the
// compensation log already holds them.
func (i *Import) Fold(carry json.RawMessage, outputs []models.StepRecord) (json.RawMessage, error) {
	var sum importCarry
	if len(carry) > 0 {
		if err := json.Unmarshal(carry, &sum); err != nil {
			return nil, fmt.Errorf("failed to decode import carry: %w", err)
		}
	}

	for _, record := range outputs {
		if _, ok := batchNumber(record.Name); !ok {
			continue
		}

		var out batchOutput
		if err := json.Unmarshal(record.Output, &out); err != nil {
			return nil, fmt.Errorf("failed to decode output of step %s: %w", record.Name, err)
		}

		sum.add(out)
	}

	return json.Marshal(sum)
}

func (i *Import) Complete(_ context.Context, exec *models.Execution) (*workflow.Completion, error) {
	in, err := importInput(exec)
	if err != nil {
		return nil, err
	}

	var sum importCarry
	if len(exec.Carry) > 0 {
		if err := json.Unmarshal(exec.Carry, &sum); err != nil {
			return nil, fmt.Errorf("failed to decode import carry: %w", err)
		}
	}

	for _, name := range exec.StepPlan {
		if _, ok := batchNumber(name); !ok {
			continue
		}

		if record, ok := exec.Step(name); ok && record.Folded {
			continue
		}

		var out batchOutput
		if err := workflow.Output(exec, name, &out); err != nil {
			return nil, err
		}

		sum.add(out)
	}

	slices.SortFunc(sum.Failures, func(a, b RowFailure) int { return a.Row - b.Row })

	result := ImportResult{
		AccountID: in.AccountID,
		Imported:  sum.Imported,
		Skipped:   sum.Skipped,
		Failed:    sum.Failed,
		Failures:  sum.Failures,
	}

	env, err := events.NewEnvelope(events.TransactionsImportedEvent, exec.CorrelationID,
		string(events.TransactionsImportedEvent)+":"+exec.ID,
		events.TransactionsImported{
			ExecutionID: exec.ID,
			AccountID:   in.AccountID,
			Imported:    result.Imported,
			Skipped:     result.Skipped,
			Failed:      result.Failed,
		})
	if err != nil {
		return nil, err
	}

	return &workflow.Completion{Result: result, Events: []*events.Envelope{env}}, nil
}

func importInput(exec *models.Execution) (ImportInput, error) {
	var in ImportInput
	if err := json.Unmarshal(exec.Input, &in); err != nil {
		return in, activity.Permanent(fmt.Errorf("failed to decode import input: %w", err))
	}

	return in, nil
}
