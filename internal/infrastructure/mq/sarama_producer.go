package mq

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// NewSaramaConfig is the shared client configuration: wait for all in-sync
// replicas, return successes for the sync producer, never auto-commit.
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	return cfg
}

type SaramaProducer struct {
	producer sarama.SyncProducer
}

func NewSaramaProducer(brokers []string, cfg *sarama.Config) (*SaramaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &SaramaProducer{producer: producer}, nil
}

// NewSaramaProducerFrom wraps an existing sync producer.
func NewSaramaProducerFrom(producer sarama.SyncProducer) *SaramaProducer {
	return &SaramaProducer{producer: producer}
}

func (p *SaramaProducer) Send(ctx context.Context, topic string, key, value []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	return SendWithin(ctx, topic, func() error {
		_, _, err := p.producer.SendMessage(msg)
		return err
	})
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
