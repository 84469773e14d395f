package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
)

type DeadLetterRepository struct {
	mu      sync.Mutex
	letters map[string]models.DeadLetter
}

func NewDeadLetterRepository() *DeadLetterRepository {
	return &DeadLetterRepository{letters: make(map[string]models.DeadLetter)}
}

func (r *DeadLetterRepository) Add(_ context.Context, letter *models.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.letters[letter.ID]; ok {
		return nil
	}

	r.letters[letter.ID] = *letter

	return nil
}

func (r *DeadLetterRepository) Get(_ context.Context, id string) (*models.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	letter, ok := r.letters[id]
	if !ok {
		return nil, persistence.ErrDeadLetterNotFound
	}

	return &letter, nil
}

func (r *DeadLetterRepository) List(_ context.Context, limit int) ([]*models.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	letters := make([]*models.DeadLetter, 0, len(r.letters))
	for _, letter := range r.letters {
		l := letter
		letters = append(letters, &l)
	}

	sort.Slice(letters, func(i, j int) bool { return letters[i].CreatedAt.After(letters[j].CreatedAt) })

	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}

	return letters, nil
}

func (r *DeadLetterRepository) MarkReplayed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	letter, ok := r.letters[id]
	if !ok {
		return persistence.ErrDeadLetterNotFound
	}

	letter.ReplayedAt = &at
	r.letters[id] = letter

	return nil
}
