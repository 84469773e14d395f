// Package outbox persists integration events before delivery and keeps
// retrying them independently of the execution that produced them.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/eventbus"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/metrics"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/dukex/homeledger/pkg/retry"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 100
	// DefaultClaimLease is how long a record stays with the relay delivering
	// it before another relay may pick it up.
	DefaultClaimLease = time.Minute
)

// EventPublisher delivers one envelope to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, env *events.Envelope) (eventbus.Outcome, error)
}

type Relay struct {
	repo        persistence.OutboxRepository
	publisher   EventPublisher
	deadLetters eventbus.DeadLetterRecorder
	policy      retry.Policy
	interval    time.Duration
	batchSize   int
	claimLease  time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Relay)

// WithPolicy sets the backoff between delivery rounds of one record.
func WithPolicy(policy retry.Policy) Option {
	return func(r *Relay) { r.policy = policy }
}

func WithInterval(interval time.Duration) Option {
	return func(r *Relay) { r.interval = interval }
}

func WithBatchSize(size int) Option {
	return func(r *Relay) { r.batchSize = size }
}

// WithClaimLease bounds how long a delivery in progress keeps a record away
// from other relays.
func WithClaimLease(lease time.Duration) Option {
	return func(r *Relay) { r.claimLease = lease }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func NewRelay(
	repo persistence.OutboxRepository,
	publisher EventPublisher,
	deadLetters eventbus.DeadLetterRecorder,
	logger *slog.Logger,
	opts ...Option,
) *Relay {
	r := &Relay{
		repo:        repo,
		publisher:   publisher,
		deadLetters: deadLetters,
		policy:      retry.Publish,
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		claimLease:  DefaultClaimLease,
		logger:      logger.With("module", "outbox"),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Emit queues env and attempts delivery right away. The record is queued
// already claimed, so relays leave it alone while the inline delivery runs.
// Emitting an event whose idempotency key is already queued reuses the stored
// record and leaves its delivery to the relay. Only an unroutable event is
// reported as an error; other failures stay queued.
func (r *Relay) Emit(ctx context.Context, env *events.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", env.EventID, err)
	}

	now := r.now().UTC()

	record, created, err := r.repo.Enqueue(ctx, &models.OutboxRecord{
		ID:             env.EventID,
		EventType:      string(env.EventType),
		IdempotencyKey: env.IdempotencyKey,
		CorrelationID:  env.CorrelationID,
		Payload:        payload,
		Status:         models.OutboxStatusPending,
		NextAttemptAt:  now.Add(r.claimLease),
		CreatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", env.EventID, err)
	}

	if !created {
		r.logger.DebugContext(ctx, "Event already queued",
			"outbox_id", record.ID,
			"idempotency_key", record.IdempotencyKey,
			"status", record.Status)
	}

	switch record.Status {
	case models.OutboxStatusPending:
		if !created {
			return nil
		}

		return r.deliver(ctx, record)
	case models.OutboxStatusUnrouted:
		return fmt.Errorf("%w: %s", eventbus.ErrUnrouted, record.EventType)
	default:
		return nil
	}
}

// DeliverDue claims every pending record whose next attempt is due, attempts
// them and returns how many were delivered.
func (r *Relay) DeliverDue(ctx context.Context) (int, error) {
	due, err := r.repo.ClaimDue(ctx, r.now().UTC(), r.claimLease, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load due events: %w", err)
	}

	delivered := 0

	for _, record := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}

		err := r.deliver(ctx, record)
		if err != nil && !errors.Is(err, eventbus.ErrUnrouted) {
			return delivered, err
		}

		if record.Status == models.OutboxStatusDelivered {
			delivered++
		}
	}

	return delivered, nil
}

// Run delivers due records every interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Starting outbox relay", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Outbox relay stopped")

			return nil
		case <-ticker.C:
			if n, err := r.DeliverDue(ctx); err != nil {
				r.logger.ErrorContext(ctx, "Outbox delivery round failed", "error", err)
			} else if n > 0 {
				r.logger.InfoContext(ctx, "Delivered queued events", "count", n)
			}
		}
	}
}

func (r *Relay) deliver(ctx context.Context, record *models.OutboxRecord) error {
	logger := r.logger.With(
		"outbox_id", record.ID,
		"event_type", record.EventType,
		"correlation_id", record.CorrelationID,
	)

	env, err := events.Decode(record.Payload)
	if err != nil {
		record.Status = models.OutboxStatusAbandoned
		record.LastError = err.Error()

		return r.park(ctx, record, logger)
	}

	record.Attempts++
	now := r.now().UTC()

	outcome, err := r.publisher.Publish(ctx, env)

	switch outcome {
	case eventbus.Acked:
		record.Status = models.OutboxStatusDelivered
		record.DeliveredAt = &now
		record.LastError = ""

		return r.update(ctx, record)
	case eventbus.Unrouted:
		record.Status = models.OutboxStatusUnrouted
		record.LastError = err.Error()

		if parkErr := r.park(ctx, record, logger); parkErr != nil {
			return parkErr
		}

		return err
	}

	record.LastError = err.Error()

	decision := r.policy.Evaluate(record.Attempts, now.Sub(record.CreatedAt), models.ErrorClassRetryable)
	if decision.Retry {
		record.NextAttemptAt = now.Add(decision.After)

		logger.WarnContext(ctx, "Event delivery failed, will retry",
			"attempts", record.Attempts,
			"next_attempt_at", record.NextAttemptAt,
			"error", err)

		return r.update(ctx, record)
	}

	record.Status = models.OutboxStatusAbandoned

	return r.park(ctx, record, logger)
}

// park persists a record that will not be retried and dead-letters it.
func (r *Relay) park(ctx context.Context, record *models.OutboxRecord, logger *slog.Logger) error {
	if err := r.update(ctx, record); err != nil {
		return err
	}

	logger.ErrorContext(ctx, "Event will not be delivered",
		"status", record.Status,
		"attempts", record.Attempts,
		"error", record.LastError)

	letter := &models.DeadLetter{
		ID:                 "outbox:" + record.ID,
		OriginalRoutingKey: record.EventType,
		RejectionReason:    record.LastError,
		OriginalPayload:    record.Payload,
		CorrelationID:      record.CorrelationID,
		IdempotencyKey:     record.IdempotencyKey,
		Source:             models.DeadLetterSourceOutbox,
		CreatedAt:          r.now().UTC(),
	}

	if err := r.deadLetters.Record(ctx, letter); err != nil {
		return fmt.Errorf("failed to dead-letter outbox record %s: %w", record.ID, err)
	}

	r.metrics.DeadLettered(models.DeadLetterSourceOutbox)

	return nil
}

func (r *Relay) update(ctx context.Context, record *models.OutboxRecord) error {
	if err := r.repo.Update(ctx, record); err != nil {
		return fmt.Errorf("failed to update outbox record %s: %w", record.ID, err)
	}

	return nil
}
