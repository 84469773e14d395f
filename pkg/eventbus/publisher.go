// Package eventbus publishes integration events to the broker and consumes
// them with deduplication and dead-lettering.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/metrics"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/otelhelper"
	"github.com/dukex/homeledger/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome of a single Publish call.
type Outcome string

const (
	Acked    Outcome = "acked"
	Unrouted Outcome = "unrouted"
	Failed   Outcome = "failed"
)

// ErrUnrouted reports an event type with no topic binding. It is a
// configuration error and is never retried.
var ErrUnrouted = errors.New("event is not routable")

// Routes binds event types to broker topics.
type Routes map[events.EventType]string

// DefaultRoutes uses the event type as the topic name.
func DefaultRoutes() Routes {
	return Routes{
		events.PurchaseRegisteredEvent:          string(events.PurchaseRegisteredEvent),
		events.TransactionsImportedEvent:        string(events.TransactionsImportedEvent),
		events.InventoryExpiringEvent:           string(events.InventoryExpiringEvent),
		events.ExecutionCompensationFailedEvent: string(events.ExecutionCompensationFailedEvent),
	}
}

// Topics lists every bound topic.
func (r Routes) Topics() []string {
	topics := make([]string, 0, len(r))
	for _, topic := range r {
		topics = append(topics, topic)
	}

	return topics
}

type Publisher struct {
	publisher      message.Publisher
	routes         Routes
	policy         retry.Policy
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	isUnknownTopic func(error) bool
	sleep          func(ctx context.Context, d time.Duration) error
}

type PublisherOption func(*Publisher)

func WithRoutes(routes Routes) PublisherOption {
	return func(p *Publisher) { p.routes = routes }
}

// WithPublishPolicy sets the inline retry applied to one Publish call.
func WithPublishPolicy(policy retry.Policy) PublisherOption {
	return func(p *Publisher) { p.policy = policy }
}

func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithUnknownTopic recognizes broker errors that mean the topic does not exist.
func WithUnknownTopic(fn func(error) bool) PublisherOption {
	return func(p *Publisher) { p.isUnknownTopic = fn }
}

func WithPublisherSleep(sleep func(ctx context.Context, d time.Duration) error) PublisherOption {
	return func(p *Publisher) { p.sleep = sleep }
}

func NewPublisher(pub message.Publisher, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		publisher:      pub,
		routes:         DefaultRoutes(),
		policy:         retry.Fast,
		logger:         logger.With("module", "eventbus_publisher"),
		tracer:         otelhelper.Tracer(),
		isUnknownTopic: func(error) bool { return false },
		sleep:          sleepContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish sends env to the topic bound to its event type and waits for the
// broker acknowledgement, retrying transient failures with the publish policy.
func (p *Publisher) Publish(ctx context.Context, env *events.Envelope) (Outcome, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "eventbus.publish",
		attribute.String(otelhelper.EventIDKey, env.EventID),
		attribute.String(otelhelper.EventTypeKey, string(env.EventType)),
		attribute.String(otelhelper.CorrelationIDKey, env.CorrelationID),
	)
	defer span.End()

	outcome, err := p.publish(ctx, env)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	p.metrics.EventPublished(string(env.EventType), string(outcome))

	return outcome, err
}

func (p *Publisher) publish(ctx context.Context, env *events.Envelope) (Outcome, error) {
	topic, ok := p.routes[env.EventType]
	if !ok || topic == "" {
		p.logger.ErrorContext(ctx, "No route bound for event type",
			"event_type", env.EventType,
			"correlation_id", env.CorrelationID)

		return Unrouted, fmt.Errorf("%w: %s", ErrUnrouted, env.EventType)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return Failed, fmt.Errorf("failed to marshal event %s: %w", env.EventID, err)
	}

	started := time.Now()

	for attempt := 1; ; attempt++ {
		msg := message.NewMessage(env.EventID, payload)
		msg.Metadata.Set(events.EventMetadataKey, env.IdempotencyKey)
		msg.Metadata.Set(events.EventTypeMetadataKey, string(env.EventType))
		msg.Metadata.Set(events.IdempotencyKeyMetadataKey, env.IdempotencyKey)
		msg.Metadata.Set(events.CorrelationIDMetadataKey, env.CorrelationID)
		msg.SetContext(ctx)

		err = p.publisher.Publish(topic, msg)
		if err == nil {
			p.logger.DebugContext(ctx, "Event published",
				"event_id", env.EventID,
				"event_type", env.EventType,
				"topic", topic,
				"attempt", attempt)

			return Acked, nil
		}

		if p.isUnknownTopic(err) {
			p.logger.ErrorContext(ctx, "Topic does not exist",
				"event_type", env.EventType,
				"topic", topic,
				"error", err)

			return Unrouted, fmt.Errorf("%w: topic %s: %w", ErrUnrouted, topic, err)
		}

		decision := p.policy.Evaluate(attempt, time.Since(started), models.ErrorClassRetryable)
		if !decision.Retry {
			p.logger.WarnContext(ctx, "Publish failed",
				"event_id", env.EventID,
				"event_type", env.EventType,
				"attempts", attempt,
				"error", err)

			return Failed, fmt.Errorf("failed to publish event %s after %d attempts: %w", env.EventID, attempt, err)
		}

		if err := p.sleep(ctx, decision.After); err != nil {
			return Failed, err
		}
	}
}

// Republish sends a stored dead letter's original payload back to its
// original topic.
func (p *Publisher) Republish(ctx context.Context, letter *models.DeadLetter) error {
	msg := message.NewMessage(events.NewEventID(), letter.OriginalPayload)
	msg.Metadata.Set(events.EventMetadataKey, letter.IdempotencyKey)
	msg.Metadata.Set(events.IdempotencyKeyMetadataKey, letter.IdempotencyKey)
	msg.Metadata.Set(events.CorrelationIDMetadataKey, letter.CorrelationID)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(letter.OriginalRoutingKey, msg); err != nil {
		return fmt.Errorf("failed to republish dead letter %s: %w", letter.ID, err)
	}

	return nil
}

func (p *Publisher) Close() error {
	return p.publisher.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
