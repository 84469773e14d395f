package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/homeledger/pkg/models"
)

// MemoryStore keeps keys in process memory. Used by tests and the single-node
// development setup.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.IdempotencyRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.IdempotencyRecord),
		now:     time.Now,
	}
}

// WithClock replaces the store's time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now

	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key, owner string, lease time.Duration) (*models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	if existing, ok := s.records[key]; ok && !existing.Expired(now) {
		if existing.State != models.IdempotencyStateInFlight || existing.Owner != owner {
			return existing.Clone(), false, nil
		}
	}

	record := &models.IdempotencyRecord{
		Key:       key,
		State:     models.IdempotencyStateInFlight,
		Owner:     owner,
		CreatedAt: now,
		ExpiresAt: now.Add(lease),
	}
	s.records[key] = record

	return record.Clone(), true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, owner string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	if existing, ok := s.records[key]; ok && !existing.Expired(now) {
		if existing.State != models.IdempotencyStateInFlight || existing.Owner != owner {
			return ErrNotOwner
		}
	}

	record := &models.IdempotencyRecord{
		Key:       key,
		State:     models.IdempotencyStateCompleted,
		Owner:     owner,
		Result:    append([]byte(nil), result...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.records[key] = record

	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok && existing.State == models.IdempotencyStateInFlight && existing.Owner == owner {
		delete(s.records, key)
	}

	return nil
}

func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)

	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || record.Expired(s.now()) {
		return nil, ErrNotFound
	}

	return record.Clone(), nil
}
