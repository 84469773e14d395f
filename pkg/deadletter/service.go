// Package deadletter keeps rejected messages for inspection and replay.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
)

const DefaultListLimit = 100

var ErrAlreadyReplayed = errors.New("dead letter already replayed")

// Republisher sends a dead letter's original payload back to its topic.
type Republisher interface {
	Republish(ctx context.Context, letter *models.DeadLetter) error
}

type Service struct {
	repo        persistence.DeadLetterRepository
	republisher Republisher
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(repo persistence.DeadLetterRepository, republisher Republisher, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		republisher: republisher,
		logger:      logger.With("module", "deadletter"),
		now:         time.Now,
	}
}

// Record stores letter. Recording the same id twice keeps the first copy.
func (s *Service) Record(ctx context.Context, letter *models.DeadLetter) error {
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = s.now().UTC()
	}

	if err := s.repo.Add(ctx, letter); err != nil {
		return fmt.Errorf("failed to record dead letter %s: %w", letter.ID, err)
	}

	s.logger.WarnContext(ctx, "Message dead-lettered",
		"dead_letter_id", letter.ID,
		"routing_key", letter.OriginalRoutingKey,
		"source", letter.Source,
		"correlation_id", letter.CorrelationID,
		"reason", letter.RejectionReason)

	return nil
}

func (s *Service) List(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	return s.repo.List(ctx, limit)
}

func (s *Service) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	return s.repo.Get(ctx, id)
}

// Replay republishes a dead letter once. Consumers deduplicate on the
// event's idempotency key, so a replay never duplicates a processed event.
func (s *Service) Replay(ctx context.Context, id string) (*models.DeadLetter, error) {
	letter, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if letter.ReplayedAt != nil {
		return letter, ErrAlreadyReplayed
	}

	if err := s.republisher.Republish(ctx, letter); err != nil {
		return nil, err
	}

	at := s.now().UTC()
	if err := s.repo.MarkReplayed(ctx, id, at); err != nil {
		return nil, fmt.Errorf("failed to mark dead letter %s replayed: %w", id, err)
	}

	letter.ReplayedAt = &at

	s.logger.InfoContext(ctx, "Dead letter replayed",
		"dead_letter_id", id,
		"routing_key", letter.OriginalRoutingKey,
		"correlation_id", letter.CorrelationID)

	return letter, nil
}
