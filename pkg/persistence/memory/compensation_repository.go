package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dukex/homeledger/pkg/models"
)

type CompensationRepository struct {
	mu      sync.RWMutex
	entries map[string]map[int]models.CompensationEntry
}

func NewCompensationRepository() *CompensationRepository {
	return &CompensationRepository{entries: make(map[string]map[int]models.CompensationEntry)}
}

func (r *CompensationRepository) Append(_ context.Context, executionID string, entry models.CompensationEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byIndex, ok := r.entries[executionID]
	if !ok {
		byIndex = make(map[int]models.CompensationEntry)
		r.entries[executionID] = byIndex
	}

	byIndex[entry.Index] = entry.Clone()

	return nil
}

func (r *CompensationRepository) List(_ context.Context, executionID string) ([]models.CompensationEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]models.CompensationEntry, 0, len(r.entries[executionID]))
	for _, entry := range r.entries[executionID] {
		entries = append(entries, entry.Clone())
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	return entries, nil
}
