package models

import "time"

// DeadLetter is a message a consumer permanently rejected, or an outbound
// event the relay gave up on.
type DeadLetter struct {
	ID                 string     `json:"id"`
	OriginalRoutingKey string     `json:"original_routing_key"`
	RejectionReason    string     `json:"rejection_reason"`
	OriginalPayload    []byte     `json:"original_payload"`
	CorrelationID      string     `json:"correlation_id,omitempty"`
	IdempotencyKey     string     `json:"idempotency_key,omitempty"`
	Source             string     `json:"source"`
	CreatedAt          time.Time  `json:"created_at"`
	ReplayedAt         *time.Time `json:"replayed_at,omitempty"`
}

const (
	DeadLetterSourceConsumer = "consumer"
	DeadLetterSourceOutbox   = "outbox"
)
