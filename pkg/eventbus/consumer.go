package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/metrics"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/retry"
)

// DefaultConsumedTTL is how long a processed event key suppresses redeliveries.
const DefaultConsumedTTL = 7 * 24 * time.Hour

// HandlerFunc processes one decoded event. Errors wrapped with
// activity.Permanent skip the retry middleware and are dead-lettered at once.
type HandlerFunc func(ctx context.Context, env *events.Envelope) error

// DeadLetterRecorder stores messages that reached the dead-letter topic.
type DeadLetterRecorder interface {
	Record(ctx context.Context, letter *models.DeadLetter) error
}

type Consumer struct {
	router     *message.Router
	subscriber message.Subscriber
	store      idempotency.Store
	logger     *slog.Logger
	metrics    *metrics.Metrics
	ttl        time.Duration
}

type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	policy  retry.Policy
	ttl     time.Duration
	metrics *metrics.Metrics
}

// WithConsumerPolicy configures the retry middleware around every handler.
func WithConsumerPolicy(policy retry.Policy) ConsumerOption {
	return func(c *consumerConfig) { c.policy = policy }
}

func WithConsumedTTL(ttl time.Duration) ConsumerOption {
	return func(c *consumerConfig) { c.ttl = ttl }
}

func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *consumerConfig) { c.metrics = m }
}

// NewConsumer builds a router whose handlers retry transient failures and
// send everything else to events.DeadLetterTopic through deadLetters.
func NewConsumer(
	sub message.Subscriber,
	deadLetters message.Publisher,
	store idempotency.Store,
	logger *slog.Logger,
	opts ...ConsumerOption,
) (*Consumer, error) {
	cfg := consumerConfig{policy: retry.Default, ttl: DefaultConsumedTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	router, err := message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	poisonQueue, err := middleware.PoisonQueueWithFilter(
		deadLetterPublisher{Publisher: deadLetters},
		events.DeadLetterTopic,
		func(err error) bool { return !idempotency.IsInFlight(err) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create poison queue: %w", err)
	}

	router.AddMiddleware(
		poisonQueue,
		middleware.Retry{
			MaxRetries:      cfg.policy.MaxAttemptsOrDefault() - 1,
			InitialInterval: cfg.policy.InitialInterval,
			MaxInterval:     cfg.policy.MaxInterval,
			Multiplier:      cfg.policy.Multiplier,
			MaxElapsedTime:  cfg.policy.MaxElapsed,
			ShouldRetry:     shouldRetry,
			Logger:          watermill.NewSlogLogger(logger),
		}.Middleware,
		middleware.Recoverer,
	)

	return &Consumer{
		router:     router,
		subscriber: sub,
		store:      store,
		logger:     logger.With("module", "eventbus_consumer"),
		metrics:    cfg.metrics,
		ttl:        cfg.ttl,
	}, nil
}

func shouldRetry(params middleware.RetryParams) bool {
	if activity.IsPermanent(params.Err) || errors.Is(params.Err, events.ErrInvalidEnvelope) {
		return false
	}

	return !idempotency.IsInFlight(params.Err)
}

// Handle subscribes handler name to topic. Every event is processed at most
// once per handler, keyed by its idempotency key.
func (c *Consumer) Handle(name, topic string, handler HandlerFunc) {
	c.router.AddConsumerHandler(name, topic, c.subscriber, func(msg *message.Message) error {
		return c.consume(name, msg, handler)
	})
}

// HandleDeadLetters stores every message published to the dead-letter topic.
func (c *Consumer) HandleDeadLetters(recorder DeadLetterRecorder) {
	c.router.AddConsumerHandler("dead_letter_recorder", events.DeadLetterTopic, c.subscriber, func(msg *message.Message) error {
		letter, err := DecodeDeadLetter(msg)
		if err != nil {
			c.logger.ErrorContext(msg.Context(), "Dropping undecodable dead letter", "message_id", msg.UUID, "error", err)

			return nil
		}

		if err := recorder.Record(msg.Context(), letter); err != nil {
			return err
		}

		c.metrics.DeadLettered(letter.Source)

		return nil
	})
}

func (c *Consumer) consume(name string, msg *message.Message, handler HandlerFunc) error {
	ctx := msg.Context()

	env, err := events.Decode(msg.Payload)
	if err != nil {
		c.metrics.EventConsumed(name, "rejected")

		return err
	}

	logger := c.logger.With(
		"handler", name,
		"event_id", env.EventID,
		"event_type", env.EventType,
		"correlation_id", env.CorrelationID,
	)

	key := "consumed:" + name + ":" + env.IdempotencyKey
	owner := name + ":" + env.EventID

	record, acquired, err := c.store.Reserve(ctx, key, owner, idempotency.DefaultLease)
	if err != nil {
		return fmt.Errorf("failed to reserve %s: %w", key, err)
	}

	if !acquired {
		if record != nil && record.Completed() {
			logger.DebugContext(ctx, "Skipping duplicate event")
			c.metrics.EventConsumed(name, "duplicate")

			return nil
		}

		return idempotency.ErrInFlight
	}

	if err := handler(ctx, env); err != nil {
		c.metrics.EventConsumed(name, "failed")
		logger.WarnContext(ctx, "Event handler failed", "error", err)

		if releaseErr := c.store.Release(context.WithoutCancel(ctx), key, owner); releaseErr != nil {
			logger.ErrorContext(ctx, "Failed to release consumed key", "error", releaseErr)
		}

		return err
	}

	if err := c.store.Complete(ctx, key, owner, nil, c.ttl); err != nil {
		return fmt.Errorf("failed to complete %s: %w", key, err)
	}

	c.metrics.EventConsumed(name, "processed")

	return nil
}

// Run blocks until ctx is done or Close is called.
func (c *Consumer) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running is closed once every handler subscribed.
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

func (c *Consumer) Close() error {
	return c.router.Close()
}
