package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
)

type OutboxRepository struct {
	mu      sync.Mutex
	records map[string]models.OutboxRecord
	byKey   map[string]string
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		records: make(map[string]models.OutboxRecord),
		byKey:   make(map[string]string),
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, record *models.OutboxRecord) (*models.OutboxRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[record.IdempotencyKey]; ok {
		existing := r.records[id]

		return &existing, false, nil
	}

	stored := *record
	r.records[stored.ID] = stored
	r.byKey[stored.IdempotencyKey] = stored.ID

	return &stored, true, nil
}

func (r *OutboxRepository) Get(_ context.Context, id string) (*models.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return nil, persistence.ErrOutboxRecordNotFound
	}

	return &record, nil
}

func (r *OutboxRepository) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []models.OutboxRecord

	for _, record := range r.records {
		if record.Status == models.OutboxStatusPending && !record.NextAttemptAt.After(now) {
			due = append(due, record)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.OutboxRecord, 0, len(due))

	for _, record := range due {
		record.NextAttemptAt = now.Add(lease)
		r.records[record.ID] = record

		rec := record
		claimed = append(claimed, &rec)
	}

	return claimed, nil
}

func (r *OutboxRepository) Update(_ context.Context, record *models.OutboxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[record.ID]; !ok {
		return persistence.ErrOutboxRecordNotFound
	}

	r.records[record.ID] = *record

	return nil
}
