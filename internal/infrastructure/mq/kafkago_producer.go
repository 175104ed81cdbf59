package mq

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaGoProducer sends through one kafka-go writer. The writer has no fixed
// topic; each message carries its own.
type KafkaGoProducer struct {
	writer *kafka.Writer
}

func NewKafkaGoProducer(brokers []string, clientID string) *KafkaGoProducer {
	return &KafkaGoProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
			Transport:    &kafka.Transport{ClientID: clientID},
		},
	}
}

func (p *KafkaGoProducer) Send(ctx context.Context, topic string, key, value []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	return SendWithin(ctx, topic, func() error {
		return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: value})
	})
}

func (p *KafkaGoProducer) Close() error {
	return p.writer.Close()
}
