package mq

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"bookingrelay/internal/config"
)

const (
	DriverSarama  = "sarama"
	DriverKafkaGo = "kafka-go"
)

// Bus bundles the producer and consumer of one broker driver.
type Bus struct {
	Producer Producer
	Consumer Consumer
}

func (b *Bus) Close() error {
	perr := b.Producer.Close()
	cerr := b.Consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}

// InitKafka builds the bus for cfg.Driver. The producer is wrapped in a
// circuit breaker when cfg.Breaker.Enabled is set.
func InitKafka(cfg *config.KafkaConfig, logger *zap.Logger) (*Bus, error) {
	var (
		producer Producer
		consumer Consumer
	)

	switch cfg.Driver {
	case DriverSarama, "":
		saramaCfg := NewSaramaConfig(cfg.ClientID)
		p, err := NewSaramaProducer(cfg.Brokers, saramaCfg)
		if err != nil {
			return nil, err
		}
		c, err := NewSaramaConsumer(cfg.Brokers, saramaCfg)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		producer, consumer = p, c
	case DriverKafkaGo:
		producer = NewKafkaGoProducer(cfg.Brokers, cfg.ClientID)
		consumer = NewKafkaGoConsumer(cfg.Brokers, 10*time.Second)
	default:
		return nil, fmt.Errorf("mq: unknown kafka driver %q", cfg.Driver)
	}

	if cfg.Breaker.Enabled {
		producer = NewBreakerProducer(producer, cfg.Breaker, logger)
	}

	logger.Info("kafka bus ready",
		zap.String("driver", cfg.Driver),
		zap.Strings("brokers", cfg.Brokers))
	return &Bus{Producer: producer, Consumer: consumer}, nil
}
