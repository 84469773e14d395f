package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/models"
)

// deadLetterPublisher rewrites messages salvaged by the poison queue
// middleware into the dead-letter wire format before publishing them.
type deadLetterPublisher struct {
	message.Publisher
}

func (p deadLetterPublisher) Publish(topic string, msgs ...*message.Message) error {
	out := make([]*message.Message, 0, len(msgs))

	for _, msg := range msgs {
		converted, err := toDeadLetterMessage(msg)
		if err != nil {
			return err
		}

		out = append(out, converted)
	}

	return p.Publisher.Publish(topic, out...)
}

func toDeadLetterMessage(msg *message.Message) (*message.Message, error) {
	routingKey := msg.Metadata.Get(middleware.PoisonedTopicKey)
	if routingKey == "" {
		routingKey = msg.Metadata.Get(events.EventTypeMetadataKey)
	}

	payload, err := json.Marshal(events.DeadLetter{
		OriginalRoutingKey: routingKey,
		RejectionReason:    msg.Metadata.Get(middleware.ReasonForPoisonedKey),
		OriginalPayload:    events.RawPayload(msg.Payload),
	})
	if err != nil {
		return nil, err
	}

	converted := message.NewMessage(events.NewEventID(), payload)
	for k, v := range msg.Metadata {
		converted.Metadata.Set(k, v)
	}

	converted.SetContext(msg.Context())

	return converted, nil
}

// DecodeDeadLetter converts a dead-letter topic message into a stored record.
func DecodeDeadLetter(msg *message.Message) (*models.DeadLetter, error) {
	var dl events.DeadLetter
	if err := json.Unmarshal(msg.Payload, &dl); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter %s: %w", msg.UUID, err)
	}

	return &models.DeadLetter{
		ID:                 msg.UUID,
		OriginalRoutingKey: dl.OriginalRoutingKey,
		RejectionReason:    dl.RejectionReason,
		OriginalPayload:    []byte(dl.OriginalPayload),
		CorrelationID:      msg.Metadata.Get(events.CorrelationIDMetadataKey),
		IdempotencyKey:     msg.Metadata.Get(events.IdempotencyKeyMetadataKey),
		Source:             models.DeadLetterSourceConsumer,
		CreatedAt:          time.Now().UTC(),
	}, nil
}
