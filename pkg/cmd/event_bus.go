package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/homeledger/pkg/channels/gochannel"
	"github.com/dukex/homeledger/pkg/channels/kafka"
	"github.com/dukex/homeledger/pkg/eventbus"
)

// EventBus bundles the broker clients of one provider.
type EventBus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// UnknownTopic reports publish errors that mean no route exists.
	UnknownTopic func(error) bool
}

func (b *EventBus) PublisherOptions() []eventbus.PublisherOption {
	if b.UnknownTopic == nil {
		return nil
	}

	return []eventbus.PublisherOption{eventbus.WithUnknownTopic(b.UnknownTopic)}
}

func (b *EventBus) Close() error {
	err := b.Publisher.Close()
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		err = errors.Join(err, b.Subscriber.Close())
	}

	return err
}

// NewEventBus creates the broker clients for provider. The gochannel provider
// only reaches subscribers in the same process.
func NewEventBus(provider, brokers, consumerGroup string, logger *slog.Logger) (*EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		brokerList := kafka.ParseBrokers(brokers)

		pub, err := kafka.NewPublisher(wmLogger, brokerList)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
		}

		sub, err := kafka.NewSubscriber(wmLogger, brokerList, consumerGroup)
		if err != nil {
			_ = pub.Close()

			return nil, fmt.Errorf("failed to create Kafka subscriber: %w", err)
		}

		return &EventBus{Publisher: pub, Subscriber: sub, UnknownTopic: kafka.IsUnknownTopic}, nil
	case "gochannel":
		channel := gochannel.CreateChannel(wmLogger)

		return &EventBus{Publisher: channel, Subscriber: channel}, nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
