package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/models"
)

// IdempotencyRepository implements idempotency.Store on the idempotency_keys
// table. Reserve is a single constrained upsert, so concurrent callers across
// processes resolve to one owner.
type IdempotencyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewIdempotencyRepository(db *sql.DB, logger *slog.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{db: db, logger: logger}
}

func (r *IdempotencyRepository) Reserve(ctx context.Context, key, owner string, lease time.Duration) (*models.IdempotencyRecord, bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, state, owner, result, created_at, expires_at)
		VALUES ($1, 'in_flight', $2, NULL, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			state = 'in_flight',
			owner = EXCLUDED.owner,
			result = NULL,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
			OR (idempotency_keys.state = 'in_flight' AND idempotency_keys.owner = EXCLUDED.owner)
		RETURNING key
	`

	for range 3 {
		now := time.Now().UTC()

		var reserved string

		err := r.db.QueryRowContext(ctx, query, key, owner, now, now.Add(lease)).Scan(&reserved)
		if err == nil {
			return &models.IdempotencyRecord{
				Key:       key,
				State:     models.IdempotencyStateInFlight,
				Owner:     owner,
				CreatedAt: now,
				ExpiresAt: now.Add(lease),
			}, true, nil
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", classify(err))
		}

		existing, err := r.Get(ctx, key)
		if errors.Is(err, idempotency.ErrNotFound) {
			// expired and purged between the upsert and the read
			continue
		}

		if err != nil {
			return nil, false, err
		}

		return existing, false, nil
	}

	return nil, false, fmt.Errorf("failed to reserve idempotency key %s: %w", key, idempotency.ErrInFlight)
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key, owner string, result []byte, ttl time.Duration) error {
	now := time.Now().UTC()

	if result == nil {
		result = []byte{}
	}

	query := `
		INSERT INTO idempotency_keys (key, state, owner, result, created_at, expires_at)
		VALUES ($1, 'completed', $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			state = 'completed',
			owner = EXCLUDED.owner,
			result = EXCLUDED.result,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
			OR (idempotency_keys.state = 'in_flight' AND idempotency_keys.owner = EXCLUDED.owner)
	`

	res, err := r.db.ExecContext(ctx, query, key, owner, result, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", classify(err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", classify(err))
	}

	if affected == 0 {
		return fmt.Errorf("%s: %w", key, idempotency.ErrNotOwner)
	}

	return nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key, owner string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND state = 'in_flight' AND owner = $2`,
		key, owner)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", classify(err))
	}

	return nil
}

func (r *IdempotencyRepository) Forget(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to forget idempotency key: %w", classify(err))
	}

	return nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	query := `
		SELECT key, state, owner, result, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()
	`

	var record models.IdempotencyRecord

	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&record.Key,
		&record.State,
		&record.Owner,
		&record.Result,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", classify(err))
	}

	return &record, nil
}

// PurgeExpired deletes keys whose expiry has passed.
func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}

	return int(affected), nil
}
