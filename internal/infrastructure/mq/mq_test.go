package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bookingrelay/internal/config"
)

func TestTopicNaming(t *testing.T) {
	assert.Equal(t, "booking-created.DLT", DeadLetterTopic("booking-created"))
	assert.Equal(t, "booking-created.DLT", DeadLetterTopic("booking-created.DLT"))
	assert.Equal(t, "booking-created", MainTopic("booking-created.DLT"))
	assert.Equal(t, "user-events", MainTopic("user-events"))
	assert.True(t, IsDeadLetterTopic("user-events.DLT"))
	assert.False(t, IsDeadLetterTopic(".DLT"))
	assert.False(t, IsDeadLetterTopic("user-events"))
}

func TestPartitionRangeSize(t *testing.T) {
	assert.Equal(t, int64(5), PartitionRange{Oldest: 10, Newest: 15}.Size())
	assert.Equal(t, int64(0), PartitionRange{Oldest: 15, Newest: 15}.Size())
	assert.Equal(t, int64(0), PartitionRange{Oldest: 20, Newest: 15}.Size())
}

func TestSaramaProducerSend(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewSaramaConfig("test"))
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"amount":100}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})

	p := NewSaramaProducerFrom(mock)
	require.NoError(t, p.Send(context.Background(), "wallet-events", []byte("user-1"), []byte(`{"amount":100}`)))
	require.NoError(t, p.Close())
}

func TestSaramaProducerSendFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewSaramaConfig("test"))
	mock.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := NewSaramaProducerFrom(mock)
	err := p.Send(context.Background(), "wallet-events", nil, []byte("x"))

	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, "wallet-events", delivery.Topic)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, p.Close())
}

func TestSaramaProducerRejectsEmptyTopic(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewSaramaConfig("test"))
	p := NewSaramaProducerFrom(mock)

	assert.ErrorIs(t, p.Send(context.Background(), "", nil, []byte("x")), ErrEmptyTopic)
	require.NoError(t, p.Close())
}

func TestSendWithinTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := SendWithin(ctx, "slow", func() error {
		<-release
		return nil
	})

	assert.ErrorIs(t, err, ErrSendTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

type flakyProducer struct {
	err   error
	calls int
}

func (f *flakyProducer) Send(context.Context, string, []byte, []byte) error {
	f.calls++
	return f.err
}

func (f *flakyProducer) Close() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	next := &flakyProducer{err: errors.New("broker down")}
	p := NewBreakerProducer(next, config.BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Minute,
		HalfOpenRequests:    1,
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		require.Error(t, p.Send(context.Background(), "t", nil, []byte("x")))
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	err := p.Send(context.Background(), "t", nil, []byte("x"))
	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls)
}

func TestBreakerPassesSuccess(t *testing.T) {
	next := &flakyProducer{}
	p := NewBreakerProducer(next, config.BreakerConfig{Enabled: true}, zap.NewNop())

	require.NoError(t, p.Send(context.Background(), "t", nil, []byte("x")))
	assert.Equal(t, gobreaker.StateClosed, p.State())
	assert.Equal(t, 1, next.calls)
}

func TestInitKafkaRejectsUnknownDriver(t *testing.T) {
	_, err := InitKafka(&config.KafkaConfig{Driver: "nats", Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Error(t, err)
}
