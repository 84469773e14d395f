package models

import "time"

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusDelivered OutboxStatus = "delivered"
	OutboxStatusUnrouted  OutboxStatus = "unrouted"
	OutboxStatusAbandoned OutboxStatus = "abandoned"
)

// OutboxRecord is an integration event queued for delivery independently of
// the execution that produced it.
type OutboxRecord struct {
	ID             string       `json:"id"`
	EventType      string       `json:"event_type"`
	IdempotencyKey string       `json:"idempotency_key"`
	CorrelationID  string       `json:"correlation_id"`
	Payload        []byte       `json:"payload"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"last_error,omitempty"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"`
	CreatedAt      time.Time    `json:"created_at"`
	DeliveredAt    *time.Time   `json:"delivered_at,omitempty"`
}
