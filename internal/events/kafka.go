package events

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic receives status events when no topic is configured.
const DefaultKafkaTopic = "payment-status"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes status events to a Kafka topic, keyed by
// transaction so a transaction's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher for the given brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// PublishStatusChanged implements Publisher.
func (k *KafkaPublisher) PublishStatusChanged(ctx context.Context, evt StatusChanged) error {
	body, err := evt.encode()
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.TransactionID),
		Value: body,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type())},
			{Key: "tenant_id", Value: []byte(evt.TenantID)},
		},
	})
}

// Close flushes pending writes.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
