package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bookingrelay/internal/config"
	"bookingrelay/internal/infrastructure/metrics"
	"bookingrelay/internal/infrastructure/mq"
	"bookingrelay/internal/model"
)

var (
	// ErrDlqDeleteUnsupported is always returned by Delete; retention of
	// dead-letter topics belongs to the broker.
	ErrDlqDeleteUnsupported = errors.New("deleting dead-letter messages is not supported, rely on topic retention")
	ErrInvalidDlqRequest    = errors.New("invalid dead-letter request")
)

const defaultInspectMessages = 10

// DlqService inspects dead-letter topics and moves their messages back to the
// main topics.
type DlqService struct {
	consumer mq.Consumer
	producer mq.Producer
	cfg      config.DlqConfig
	topics   []string
	metrics  metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	runs    map[int]context.CancelFunc
	nextRun int
}

func NewDlqService(consumer mq.Consumer, producer mq.Producer, cfg config.DlqConfig, topics []string, rec metrics.Recorder, logger *zap.Logger) *DlqService {
	return &DlqService{
		consumer: consumer,
		producer: producer,
		cfg:      cfg,
		topics:   topics,
		metrics:  rec,
		logger:   logger.Named("dlq"),
		now:      time.Now,
		runs:     make(map[int]context.CancelFunc),
	}
}

// Statistics counts the retained messages of topic across all partitions.
// Nothing is consumed or committed. Failures are reported in Error.
func (s *DlqService) Statistics(ctx context.Context, topic string) model.DlqStatistics {
	stats := model.DlqStatistics{Topic: topic, Timestamp: s.now()}
	if topic == "" {
		stats.Error = mq.ErrEmptyTopic.Error()
		return stats
	}

	ranges, err := s.consumer.Ranges(ctx, topic)
	if err != nil {
		s.logger.Error("read dead-letter offsets", zap.String("topic", topic), zap.Error(err))
		stats.Error = err.Error()
		return stats
	}

	for _, r := range ranges {
		stats.MessageCount += r.Size()
	}
	stats.PartitionCount = len(ranges)
	s.metrics.DlqBacklog(topic, stats.MessageCount)
	return stats
}

func (s *DlqService) AllStatistics(ctx context.Context) map[string]model.DlqStatistics {
	out := make(map[string]model.DlqStatistics, len(s.topics))
	for _, topic := range s.topics {
		out[topic] = s.Statistics(ctx, topic)
	}
	return out
}

// Inspect reads up to max messages from the start of topic without
// committing. Values that are not JSON are returned with ValueError set.
func (s *DlqService) Inspect(ctx context.Context, topic string, max int) ([]model.DlqMessage, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidDlqRequest)
	}
	max = s.capRecords(max, defaultInspectMessages)

	cur, err := s.consumer.Open(ctx, topic, mq.CursorOptions{PollTimeout: s.cfg.PollTimeout})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", topic, err)
	}
	defer closeCursor(cur, s.logger)

	messages := make([]model.DlqMessage, 0, max)
	for len(messages) < max {
		msg, err := cur.Next(ctx)
		if errors.Is(err, mq.ErrExhausted) {
			break
		}
		if err != nil {
			return messages, fmt.Errorf("read %s: %w", topic, err)
		}
		messages = append(messages, toDlqMessage(msg))
	}
	return messages, nil
}

func toDlqMessage(msg *mq.Message) model.DlqMessage {
	out := model.DlqMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Timestamp: msg.Timestamp,
	}
	var value any
	if err := json.Unmarshal(msg.Value, &value); err != nil {
		out.ValueError = "unable to deserialize: " + err.Error()
	} else {
		out.Value = value
	}
	return out
}

// Reprocess republishes up to max messages of dlt to main, keeping their
// keys. It resumes after the last offset committed by the reprocessor group
// and commits only the messages that were republished without a gap before
// them in their partition, so a failed message is read again next time.
// Messages may be delivered to main more than once.
func (s *DlqService) Reprocess(ctx context.Context, dlt, main string, max int) model.ReprocessResult {
	if main == "" {
		main = mq.MainTopic(dlt)
	}
	result := model.ReprocessResult{DltTopic: dlt, MainTopic: main, StartTime: s.now()}

	switch {
	case dlt == "":
		result.Error = "dlt topic is required"
		result.EndTime = s.now()
		return result
	case dlt == main:
		result.Error = "main topic must differ from the dead-letter topic"
		result.EndTime = s.now()
		return result
	case max <= 0:
		result.Error = "max records must be positive"
		result.EndTime = s.now()
		return result
	}
	max = s.capRecords(max, max)

	runCtx, cancel := context.WithCancel(ctx)
	id := s.register(cancel)
	defer s.unregister(id)

	s.logger.Info("reprocessing dead-letter topic",
		zap.String("dlt", dlt), zap.String("main", main), zap.Int("max", max))

	cur, err := s.consumer.Open(runCtx, dlt, mq.CursorOptions{
		Group:       s.cfg.ConsumerGroup,
		PollTimeout: s.cfg.PollTimeout,
	})
	if err != nil {
		result.Error = err.Error()
		result.EndTime = s.now()
		return result
	}
	defer closeCursor(cur, s.logger)

	blocked := make(map[int32]bool)
	for result.ReprocessedCount+result.FailedCount < max {
		msg, err := cur.Next(runCtx)
		if errors.Is(err, mq.ErrExhausted) {
			break
		}
		if err != nil {
			if runCtx.Err() != nil {
				result.Error = "reprocessing cancelled"
			} else {
				result.Error = err.Error()
			}
			break
		}

		if err := s.republish(runCtx, main, msg); err != nil {
			result.FailedCount++
			blocked[msg.Partition] = true
			s.metrics.DlqReprocessFailed(dlt)
			s.logger.Warn("republish dead-letter message",
				zap.String("dlt", dlt),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			if runCtx.Err() != nil {
				result.Error = "reprocessing cancelled"
				break
			}
			continue
		}

		result.ReprocessedCount++
		s.metrics.DlqReprocessed(dlt)
		if !blocked[msg.Partition] {
			s.commit(ctx, cur, msg)
		}
	}

	s.logger.Info("reprocessing finished",
		zap.String("dlt", dlt),
		zap.Int("reprocessed", result.ReprocessedCount),
		zap.Int("failed", result.FailedCount),
		zap.String("error", result.Error))
	result.EndTime = s.now()
	return result
}

func (s *DlqService) republish(ctx context.Context, main string, msg *mq.Message) error {
	if !json.Valid(msg.Value) {
		return fmt.Errorf("%w: value at offset %d is not JSON", ErrInvalidDlqRequest, msg.Offset)
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.producer.Send(sendCtx, main, msg.Key, msg.Value)
}

// commit outlives cancellation of the run so that already republished
// messages are not read again.
func (s *DlqService) commit(ctx context.Context, cur mq.Cursor, msg *mq.Message) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()
	if err := cur.Commit(commitCtx, msg); err != nil {
		s.logger.Warn("commit dead-letter offset",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}

// CancelReprocessing stops every running Reprocess call and reports how many
// were signalled. Each call returns after its current message.
func (s *DlqService) CancelReprocessing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.runs)
	for id, cancel := range s.runs {
		cancel()
		delete(s.runs, id)
	}
	return n
}

func (s *DlqService) Delete(_ context.Context, topic string) error {
	s.logger.Warn("dead-letter delete requested", zap.String("topic", topic))
	return ErrDlqDeleteUnsupported
}

func (s *DlqService) register(cancel context.CancelFunc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun++
	s.runs[s.nextRun] = cancel
	return s.nextRun
}

func (s *DlqService) unregister(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.runs[id]; ok {
		cancel()
		delete(s.runs, id)
	}
}

func (s *DlqService) capRecords(n, fallback int) int {
	if n <= 0 {
		n = fallback
	}
	if s.cfg.MaxRecordsLimit > 0 && n > s.cfg.MaxRecordsLimit {
		n = s.cfg.MaxRecordsLimit
	}
	return n
}

func closeCursor(cur mq.Cursor, logger *zap.Logger) {
	if err := cur.Close(); err != nil {
		logger.Warn("close cursor", zap.Error(err))
	}
}
