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

const deadLetterColumns = `id, original_routing_key, rejection_reason, original_payload,
	COALESCE(correlation_id, ''), COALESCE(idempotency_key, ''), source, created_at, replayed_at`

// DeadLetterRepository stores rejected messages for inspection and replay.
type DeadLetterRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDeadLetterRepository(db *sql.DB, logger *slog.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{db: db, logger: logger}
}

func (r *DeadLetterRepository) Add(ctx context.Context, letter *models.DeadLetter) error {
	query := `
		INSERT INTO dead_letters (id, original_routing_key, rejection_reason, original_payload, correlation_id, idempotency_key, source, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		letter.ID,
		letter.OriginalRoutingKey,
		letter.RejectionReason,
		letter.OriginalPayload,
		letter.CorrelationID,
		letter.IdempotencyKey,
		letter.Source,
		letter.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}

	return nil
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	letter, err := scanDeadLetter(r.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrDeadLetterNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}

	return letter, nil
}

func (r *DeadLetterRepository) List(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	letters := []*models.DeadLetter{}

	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		letters = append(letters, letter)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}

	return letters, nil
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `UPDATE dead_letters SET replayed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}

	if affected == 0 {
		return persistence.ErrDeadLetterNotFound
	}

	return nil
}

func scanDeadLetter(scanner interface{ Scan(dest ...any) error }) (*models.DeadLetter, error) {
	var (
		letter     models.DeadLetter
		replayedAt sql.NullTime
	)

	err := scanner.Scan(
		&letter.ID,
		&letter.OriginalRoutingKey,
		&letter.RejectionReason,
		&letter.OriginalPayload,
		&letter.CorrelationID,
		&letter.IdempotencyKey,
		&letter.Source,
		&letter.CreatedAt,
		&replayedAt,
	)
	if err != nil {
		return nil, err
	}

	if replayedAt.Valid {
		t := replayedAt.Time.UTC()
		letter.ReplayedAt = &t
	}

	return &letter, nil
}
