package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bookingrelay/internal/config"
	"bookingrelay/internal/infrastructure/metrics"
	"bookingrelay/internal/infrastructure/mq"
)

var testDlqConfig = config.DlqConfig{
	ConsumerGroup:   "dlq-reprocessor",
	PollTimeout:     10 * time.Millisecond,
	SendTimeout:     time.Second,
	MaxRecordsLimit: 1000,
}

func newTestDlqService(consumer mq.Consumer, producer mq.Producer) *DlqService {
	return NewDlqService(consumer, producer, testDlqConfig, []string{"booking-created.DLT"}, metrics.Nop{}, zap.NewNop())
}

func TestStatisticsSumsRetainedMessages(t *testing.T) {
	consumer := newFakeConsumer("booking-created.DLT", []int64{5, 0}, [][]string{
		{`{"a":1}`, `{"a":2}`, `{"a":3}`},
		{`{"b":1}`},
	})
	svc := newTestDlqService(consumer, &fakeProducer{})

	stats := svc.Statistics(context.Background(), "booking-created.DLT")
	assert.Equal(t, int64(4), stats.MessageCount)
	assert.Equal(t, 2, stats.PartitionCount)
	assert.Empty(t, stats.Error)

	all := svc.AllStatistics(context.Background())
	require.Contains(t, all, "booking-created.DLT")
	assert.Equal(t, int64(4), all["booking-created.DLT"].MessageCount)
	assert.Empty(t, consumer.opened)
}

func TestStatisticsReportsBrokerError(t *testing.T) {
	consumer := newFakeConsumer("booking-created.DLT", nil, nil)
	consumer.rangesErr = errors.New("broker unreachable")
	svc := newTestDlqService(consumer, &fakeProducer{})

	stats := svc.Statistics(context.Background(), "booking-created.DLT")
	assert.Zero(t, stats.MessageCount)
	assert.Contains(t, stats.Error, "broker unreachable")
}

func TestInspectDecodesValuesWithoutCommitting(t *testing.T) {
	consumer := newFakeConsumer("booking-created.DLT", []int64{0}, [][]string{
		{`{"booking_id":"b-1"}`, `not-json`, `{"booking_id":"b-3"}`},
	})
	svc := newTestDlqService(consumer, &fakeProducer{})

	msgs, err := svc.Inspect(context.Background(), "booking-created.DLT", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, map[string]any{"booking_id": "b-1"}, msgs[0].Value)
	assert.Equal(t, `key-{"booking_id":"b-1"}`, msgs[0].Key)
	assert.Empty(t, msgs[0].ValueError)
	assert.Nil(t, msgs[1].Value)
	assert.Contains(t, msgs[1].ValueError, "unable to deserialize")

	require.Len(t, consumer.opened, 1)
	assert.Empty(t, consumer.opened[0].Group)
	_, committed := consumer.committedOffset("", 0)
	assert.False(t, committed)
}

func TestInspectRequiresTopic(t *testing.T) {
	svc := newTestDlqService(newFakeConsumer("x", nil, nil), &fakeProducer{})
	_, err := svc.Inspect(context.Background(), "", 5)
	assert.ErrorIs(t, err, ErrInvalidDlqRequest)
}

func TestReprocessHonoursLimitAndResumes(t *testing.T) {
	consumer := newFakeConsumer("booking-created.DLT", []int64{0}, [][]string{
		{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`},
	})
	producer := &fakeProducer{}
	svc := newTestDlqService(consumer, producer)

	result := svc.Reprocess(context.Background(), "booking-created.DLT", "", 3)
	assert.Equal(t, "booking-created", result.MainTopic)
	assert.Equal(t, 3, result.ReprocessedCount)
	assert.Zero(t, result.FailedCount)
	assert.Empty(t, result.Error)
	assert.False(t, result.EndTime.Before(result.StartTime))

	sent := producer.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, sentMessage{Topic: "booking-created", Key: `key-{"n":1}`, Value: `{"n":1}`}, sent[0])

	off, ok := consumer.committedOffset("dlq-reprocessor", 0)
	require.True(t, ok)
	assert.Equal(t, int64(3), off)

	again := svc.Reprocess(context.Background(), "booking-created.DLT", "booking-created", 10)
	assert.Equal(t, 2, again.ReprocessedCount)
	assert.Len(t, producer.messages(), 5)
}

func TestReprocessCommitsOnlyContiguousSuccesses(t *testing.T) {
	consumer := newFakeConsumer("booking-created.DLT", []int64{0, 0}, [][]string{
		{`{"n":1}`, `{"n":2}`, `{"n":3}`},
		{`{"m":1}`, `{"m":2}`},
	})
	producer := &fakeProducer{fail: func(v string) bool { return v == `{"n":2}` }}
	svc := newTestDlqService(consumer, producer)

	result := svc.Reprocess(context.Background(), "booking-created.DLT", "booking-created", 100)
	assert.Equal(t, 4, result.ReprocessedCount)
	assert.Equal(t, 1, result.FailedCount)

	off, ok := consumer.committedOffset("dlq-reprocessor", 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), off)
	off, ok = consumer.committedOffset("dlq-reprocessor", 1)
	require.True(t, ok)
	assert.Equal(t, int64(2), off)

	producer.fail = nil
	retry := svc.Reprocess(context.Background(), "booking-created.DLT", "booking-created", 100)
	assert.Equal(t, 2, retry.ReprocessedCount)
	off, _ = consumer.committedOffset("dlq-reprocessor", 0)
	assert.Equal(t, int64(3), off)
}

func TestReprocessCountsUndecodableAsFailed(t *testing.T) {
	consumer := newFakeConsumer("booking-created.DLT", []int64{0}, [][]string{{`garbage`, `{"ok":true}`}})
	producer := &fakeProducer{}
	svc := newTestDlqService(consumer, producer)

	result := svc.Reprocess(context.Background(), "booking-created.DLT", "booking-created", 10)
	assert.Equal(t, 1, result.FailedCount)
	assert.Equal(t, 1, result.ReprocessedCount)
	_, ok := consumer.committedOffset("dlq-reprocessor", 0)
	assert.False(t, ok)
}

func TestReprocessRejectsBadArguments(t *testing.T) {
	svc := newTestDlqService(newFakeConsumer("x.DLT", nil, nil), &fakeProducer{})

	assert.NotEmpty(t, svc.Reprocess(context.Background(), "", "x", 1).Error)
	assert.NotEmpty(t, svc.Reprocess(context.Background(), "x.DLT", "x.DLT", 1).Error)
	assert.NotEmpty(t, svc.Reprocess(context.Background(), "x.DLT", "x", 0).Error)
}

func TestCancelReprocessing(t *testing.T) {
	consumer := newFakeConsumer("booking-created.DLT", []int64{0}, [][]string{{`{"n":1}`, `{"n":2}`}})
	started := make(chan struct{})
	producer := &fakeProducer{block: true, started: started}
	svc := newTestDlqService(consumer, producer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		result := svc.Reprocess(context.Background(), "booking-created.DLT", "booking-created", 10)
		assert.Equal(t, "reprocessing cancelled", result.Error)
		assert.Equal(t, 1, result.FailedCount)
		assert.Zero(t, result.ReprocessedCount)
	}()

	<-started
	assert.Equal(t, 1, svc.CancelReprocessing())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reprocessing did not stop after cancellation")
	}
	assert.Zero(t, svc.CancelReprocessing())
}

func TestDeleteIsUnsupported(t *testing.T) {
	svc := newTestDlqService(newFakeConsumer("x.DLT", nil, nil), &fakeProducer{})
	assert.ErrorIs(t, svc.Delete(context.Background(), "x.DLT"), ErrDlqDeleteUnsupported)
}
