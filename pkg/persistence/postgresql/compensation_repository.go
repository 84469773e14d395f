package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/models"
)

// CompensationRepository stores the undo log of executions, one row per entry.
type CompensationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewCompensationRepository(db *sql.DB, logger *slog.Logger) *CompensationRepository {
	return &CompensationRepository{db: db, logger: logger}
}

func (r *CompensationRepository) Append(ctx context.Context, executionID string, entry models.CompensationEntry) error {
	resourceIDs, err := json.Marshal(nonNil(entry.ResourceIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal resource ids: %w", err)
	}

	query := `
		INSERT INTO execution_compensations (execution_id, idx, step, resource_type, resource_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, idx) DO UPDATE SET
			step = EXCLUDED.step,
			resource_type = EXCLUDED.resource_type,
			resource_ids = EXCLUDED.resource_ids
	`

	_, err = r.db.ExecContext(ctx, query,
		executionID, entry.Index, entry.Step, entry.ResourceType, string(resourceIDs), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append compensation for %s: %w", executionID, classify(err))
	}

	return nil
}

func (r *CompensationRepository) List(ctx context.Context, executionID string) ([]models.CompensationEntry, error) {
	query := `
		SELECT idx, step, resource_type, resource_ids FROM execution_compensations
		WHERE execution_id = $1
		ORDER BY idx
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list compensations for %s: %w", executionID, classify(err))
	}

	defer closeRows(ctx, r.logger, rows)

	entries := []models.CompensationEntry{}

	for rows.Next() {
		var (
			entry       models.CompensationEntry
			resourceIDs []byte
		)

		if err := rows.Scan(&entry.Index, &entry.Step, &entry.ResourceType, &resourceIDs); err != nil {
			return nil, fmt.Errorf("failed to scan compensation: %w", err)
		}

		if err := json.Unmarshal(resourceIDs, &entry.ResourceIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource ids: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate compensations: %w", err)
	}

	return entries, nil
}
