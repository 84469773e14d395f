package kafka

import (
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/stretchr/testify/assert"
)

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092"))
	assert.Empty(t, ParseBrokers(""))
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage(watermill.NewUUID(), nil)

	key, err := partitionKey("topic", msg)
	assert.NoError(t, err)
	assert.Equal(t, msg.UUID, key)

	msg.Metadata.Set(events.EventMetadataKey, "purchase.registered:exec-1")

	key, err = partitionKey("topic", msg)
	assert.NoError(t, err)
	assert.Equal(t, "purchase.registered:exec-1", key)
}

func TestConstructorsRequireBrokers(t *testing.T) {
	_, err := NewPublisher(watermill.NopLogger{}, nil)
	assert.ErrorIs(t, err, ErrNoBrokers)

	_, err = NewSubscriber(watermill.NopLogger{}, nil, "worker")
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestIsUnknownTopic(t *testing.T) {
	assert.True(t, IsUnknownTopic(fmt.Errorf("send: %w", sarama.ErrUnknownTopicOrPartition)))
	assert.False(t, IsUnknownTopic(sarama.ErrOutOfBrokers))
}
