package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
)

const executionColumns = `
	id, workflow_type, execution_key, status, input, result, error, cause, correlation_id,
	step_plan, steps, unresolved, step_cursor, segment, carry, compensation_depth,
	cancel_requested, deadline, version, owner, lease_expires_at,
	created_at, updated_at, archived_at`

const terminalStatuses = `('COMPLETED', 'FAILED', 'ROLLED_BACK', 'CANCELLED')`

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

type executionRow struct {
	stepPlan, steps, unresolved, execErr, cause, result []byte
}

func marshalExecution(exec *models.Execution) (*executionRow, error) {
	row := &executionRow{}

	var err error

	if row.stepPlan, err = json.Marshal(nonNil(exec.StepPlan)); err != nil {
		return nil, fmt.Errorf("failed to marshal step plan: %w", err)
	}

	if row.steps, err = json.Marshal(nonNil(exec.Steps)); err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}

	if exec.Unresolved != nil {
		if row.unresolved, err = json.Marshal(exec.Unresolved); err != nil {
			return nil, fmt.Errorf("failed to marshal unresolved compensations: %w", err)
		}
	}

	if exec.Error != nil {
		if row.execErr, err = json.Marshal(exec.Error); err != nil {
			return nil, fmt.Errorf("failed to marshal execution error: %w", err)
		}
	}

	if exec.Cause != nil {
		if row.cause, err = json.Marshal(exec.Cause); err != nil {
			return nil, fmt.Errorf("failed to marshal execution cause: %w", err)
		}
	}

	if len(exec.Result) > 0 {
		row.result = exec.Result
	}

	return row, nil
}

// Create inserts the execution unless one with the same id exists.
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) (*models.Execution, bool, error) {
	row, err := marshalExecution(exec)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`

	var id string

	err = r.db.QueryRowContext(ctx, query,
		exec.ID,
		exec.WorkflowType,
		exec.ExecutionKey,
		exec.Status,
		string(exec.Input),
		nullJSON(row.result),
		nullJSON(row.execErr),
		nullJSON(row.cause),
		exec.CorrelationID,
		string(row.stepPlan),
		string(row.steps),
		nullJSON(row.unresolved),
		exec.Cursor,
		exec.Segment,
		nullJSON(exec.Carry),
		exec.CompensationDepth,
		exec.CancelRequested,
		exec.Deadline,
		exec.Version,
		exec.Owner,
		exec.LeaseExpiresAt,
		exec.CreatedAt,
		exec.UpdatedAt,
		exec.ArchivedAt,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.Get(ctx, exec.ID)
		if getErr != nil {
			return nil, false, getErr
		}

		return existing, false, nil
	}

	if err != nil {
		return nil, false, persistence.NewExecutionError("Create", exec.ID, err)
	}

	return exec.Snapshot(), true, nil
}

// Get retrieves an execution by id.
func (r *ExecutionRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("Get", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Get", id, err)
	}

	return exec, nil
}

// Save persists engine progress when the stored version still matches.
// cancel_requested is OR-ed so a concurrent cancel request is never lost.
func (r *ExecutionRepository) Save(ctx context.Context, exec *models.Execution) error {
	row, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions SET
			status = $3,
			result = $4,
			error = $5,
			cause = $6,
			step_plan = $7,
			steps = $8,
			unresolved = $9,
			step_cursor = $10,
			segment = $11,
			carry = $12,
			compensation_depth = $13,
			cancel_requested = cancel_requested OR $14,
			deadline = $15,
			updated_at = $16,
			version = version + 1
		WHERE id = $1 AND version = $2 AND status NOT IN ` + terminalStatuses

	result, err := r.db.ExecContext(ctx, query,
		exec.ID,
		exec.Version,
		exec.Status,
		nullJSON(row.result),
		nullJSON(row.execErr),
		nullJSON(row.cause),
		string(row.stepPlan),
		string(row.steps),
		nullJSON(row.unresolved),
		exec.Cursor,
		exec.Segment,
		nullJSON(exec.Carry),
		exec.CompensationDepth,
		exec.CancelRequested,
		exec.Deadline,
		time.Now().UTC(),
	)
	if err != nil {
		return persistence.NewExecutionError("Save", exec.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Save", exec.ID, err)
	}

	if affected == 0 {
		return r.saveRejected(ctx, exec.ID)
	}

	exec.Version++

	return nil
}

// saveRejected tells a missing execution from a lost race.
func (r *ExecutionRepository) saveRejected(ctx context.Context, id string) error {
	var status string

	err := r.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewExecutionError("Save", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return persistence.NewExecutionError("Save", id, err)
	}

	return persistence.NewExecutionError("Save", id, persistence.ErrExecutionConflict)
}

// Claim takes the execution for owner when it is unclaimed or its lease ran
// out. The version is left alone so saves prepared before the claim still
// apply.
func (r *ExecutionRepository) Claim(ctx context.Context, id, owner string, lease time.Duration) (*models.Execution, error) {
	now := time.Now().UTC()

	query := `
		UPDATE executions SET owner = $2, lease_expires_at = $3
		WHERE id = $1 AND status NOT IN ` + terminalStatuses + `
			AND (owner = '' OR owner = $2 OR lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING ` + executionColumns

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, id, owner, now.Add(lease), now))
	if err == nil {
		return exec, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("Claim", id, err)
	}

	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing.Status.IsTerminal() {
		return existing, nil
	}

	return nil, persistence.NewExecutionError("Claim", id, persistence.ErrExecutionClaimed)
}

func (r *ExecutionRepository) ReleaseClaim(ctx context.Context, id, owner string) error {
	query := `UPDATE executions SET owner = '', lease_expires_at = NULL WHERE id = $1 AND owner = $2`

	if _, err := r.db.ExecContext(ctx, query, id, owner); err != nil {
		return persistence.NewExecutionError("ReleaseClaim", id, err)
	}

	return nil
}

// RequestCancel flags a non-terminal execution.
func (r *ExecutionRepository) RequestCancel(ctx context.Context, id string) (*models.Execution, error) {
	query := `
		UPDATE executions SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return nil, persistence.NewExecutionError("RequestCancel", id, err)
	}

	return r.Get(ctx, id)
}

// ListActive returns every execution not yet in a terminal status.
func (r *ExecutionRepository) ListActive(ctx context.Context) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status NOT IN ` + terminalStatuses + `
		ORDER BY created_at`

	return r.list(ctx, query)
}

func (r *ExecutionRepository) FindByCorrelationID(ctx context.Context, correlationID string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE correlation_id = $1 LIMIT 1`

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("FindByCorrelationID", correlationID, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("FindByCorrelationID", correlationID, err)
	}

	return exec, nil
}

// ArchiveBefore marks terminal executions last updated before cutoff.
func (r *ExecutionRepository) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE executions SET archived_at = NOW()
		WHERE archived_at IS NULL AND updated_at < $1 AND status IN ` + terminalStatuses

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to archive executions: %w", err)
	}

	return int(affected), nil
}

func (r *ExecutionRepository) list(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	var executions []*models.Execution

	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, nil
}

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*models.Execution, error) {
	var (
		exec                                      models.Execution
		input, result, execErr, cause, unresolved []byte
		stepPlan, steps, carry                    []byte
		deadline, leaseExpiresAt, archivedAt      sql.NullTime
	)

	err := scanner.Scan(
		&exec.ID,
		&exec.WorkflowType,
		&exec.ExecutionKey,
		&exec.Status,
		&input,
		&result,
		&execErr,
		&cause,
		&exec.CorrelationID,
		&stepPlan,
		&steps,
		&unresolved,
		&exec.Cursor,
		&exec.Segment,
		&carry,
		&exec.CompensationDepth,
		&exec.CancelRequested,
		&deadline,
		&exec.Version,
		&exec.Owner,
		&leaseExpiresAt,
		&exec.CreatedAt,
		&exec.UpdatedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Input = input

	if len(result) > 0 {
		exec.Result = result
	}

	if len(execErr) > 0 {
		exec.Error = &models.ExecutionError{}
		if err := json.Unmarshal(execErr, exec.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution error: %w", err)
		}
	}

	if len(cause) > 0 {
		exec.Cause = &models.ExecutionError{}
		if err := json.Unmarshal(cause, exec.Cause); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution cause: %w", err)
		}
	}

	if err := json.Unmarshal(stepPlan, &exec.StepPlan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step plan: %w", err)
	}

	if err := json.Unmarshal(steps, &exec.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if len(carry) > 0 {
		exec.Carry = carry
	}

	if len(unresolved) > 0 {
		if err := json.Unmarshal(unresolved, &exec.Unresolved); err != nil {
			return nil, fmt.Errorf("failed to unmarshal unresolved compensations: %w", err)
		}
	}

	if deadline.Valid {
		d := deadline.Time.UTC()
		exec.Deadline = &d
	}

	if leaseExpiresAt.Valid {
		l := leaseExpiresAt.Time.UTC()
		exec.LeaseExpiresAt = &l
	}

	if archivedAt.Valid {
		a := archivedAt.Time.UTC()
		exec.ArchivedAt = &a
	}

	return &exec, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	return string(raw)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}
