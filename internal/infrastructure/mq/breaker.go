package mq

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"bookingrelay/internal/config"
)

// BreakerProducer stops calling the bus after a run of consecutive failures
// and fails fast until the open timeout elapses.
type BreakerProducer struct {
	next Producer
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerProducer(next Producer, cfg config.BreakerConfig, logger *zap.Logger) *BreakerProducer {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        "kafka-producer",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerProducer{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (p *BreakerProducer) Send(ctx context.Context, topic string, key, value []byte) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.next.Send(ctx, topic, key, value)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &DeliveryError{Topic: topic, Err: fmt.Errorf("breaker %s: %w", p.cb.Name(), err)}
	}
	return err
}

func (p *BreakerProducer) State() gobreaker.State {
	return p.cb.State()
}

func (p *BreakerProducer) Close() error {
	return p.next.Close()
}
