package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
)

const outboxColumns = `id, event_type, idempotency_key, correlation_id, payload, status, attempts,
	COALESCE(last_error, ''), next_attempt_at, created_at, delivered_at`

// OutboxRepository handles outbox-related database operations.
type OutboxRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewOutboxRepository(db *sql.DB, logger *slog.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, record *models.OutboxRecord) (*models.OutboxRecord, bool, error) {
	query := `
		INSERT INTO outbox (id, event_type, idempotency_key, correlation_id, payload, status, attempts, last_error, next_attempt_at, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`

	var id string

	err := r.db.QueryRowContext(ctx, query,
		record.ID,
		record.EventType,
		record.IdempotencyKey,
		record.CorrelationID,
		string(record.Payload),
		record.Status,
		record.Attempts,
		record.LastError,
		record.NextAttemptAt,
		record.CreatedAt,
		record.DeliveredAt,
	).Scan(&id)
	if err == nil {
		stored := *record

		return &stored, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to enqueue outbox record: %w", err)
	}

	existing, err := scanOutboxRecord(r.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE idempotency_key = $1`, record.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing outbox record: %w", err)
	}

	return existing, false, nil
}

func (r *OutboxRepository) Get(ctx context.Context, id string) (*models.OutboxRecord, error) {
	record, err := scanOutboxRecord(r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrOutboxRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get outbox record: %w", err)
	}

	return record, nil
}

// ClaimDue pushes next_attempt_at of the due records forward in the same
// statement that selects them. SKIP LOCKED keeps concurrent relays apart.
func (r *OutboxRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboxRecord, error) {
	query := `
		UPDATE outbox SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := r.db.QueryContext(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due outbox records: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	var records []*models.OutboxRecord

	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox records: %w", err)
	}

	return records, nil
}

func (r *OutboxRepository) Update(ctx context.Context, record *models.OutboxRecord) error {
	query := `
		UPDATE outbox SET
			status = $2,
			attempts = $3,
			last_error = NULLIF($4, ''),
			next_attempt_at = $5,
			delivered_at = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		record.ID, record.Status, record.Attempts, record.LastError, record.NextAttemptAt, record.DeliveredAt)
	if err != nil {
		return fmt.Errorf("failed to update outbox record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update outbox record: %w", err)
	}

	if affected == 0 {
		return persistence.ErrOutboxRecordNotFound
	}

	return nil
}

func scanOutboxRecord(scanner interface{ Scan(dest ...any) error }) (*models.OutboxRecord, error) {
	var (
		record      models.OutboxRecord
		deliveredAt sql.NullTime
	)

	err := scanner.Scan(
		&record.ID,
		&record.EventType,
		&record.IdempotencyKey,
		&record.CorrelationID,
		&record.Payload,
		&record.Status,
		&record.Attempts,
		&record.LastError,
		&record.NextAttemptAt,
		&record.CreatedAt,
		&deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		record.DeliveredAt = &t
	}

	return &record, nil
}
