// Package events defines the integration events published by the
// orchestration core and the envelope they travel in.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type EventType string

const (
	PurchaseRegisteredEvent          EventType = "purchase.registered"
	TransactionsImportedEvent        EventType = "transactions.imported"
	InventoryExpiringEvent           EventType = "inventory.expiring"
	ExecutionCompensationFailedEvent EventType = "execution.compensation_failed"
)

// DeadLetterTopic receives messages consumers permanently rejected.
const DeadLetterTopic = "homeledger.dead-letters"

// Message metadata keys.
const (
	EventMetadataKey          = "key"
	EventTypeMetadataKey      = "event_type"
	IdempotencyKeyMetadataKey = "idempotency_key"
	CorrelationIDMetadataKey  = "correlation_id"
)

var ErrInvalidEnvelope = errors.New("invalid event envelope")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the wire format of every integration event.
type Envelope struct {
	EventID        string          `json:"eventId"        validate:"required"`
	EventType      EventType       `json:"eventType"      validate:"required"`
	OccurredAt     time.Time       `json:"occurredAt"     validate:"required"`
	CorrelationID  string          `json:"correlationId"  validate:"required"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"required"`
	Payload        json.RawMessage `json:"payload"        validate:"required"`
}

// NewEnvelope wraps payload. idempotencyKey must be deterministic for the
// business fact the event reports so consumers can deduplicate.
func NewEnvelope(eventType EventType, correlationID, idempotencyKey string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	env := &Envelope{
		EventID:        NewEventID(),
		EventType:      eventType,
		OccurredAt:     time.Now().UTC(),
		CorrelationID:  correlationID,
		IdempotencyKey: idempotencyKey,
		Payload:        raw,
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return env, nil
}

func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	return nil
}

// Decode unmarshals an envelope and validates it.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

// NewEventID returns a time-ordered UUIDv7, falling back to v4.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
