package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bookingrelay/internal/config"
	"bookingrelay/internal/infrastructure/cache"
	"bookingrelay/internal/infrastructure/metrics"
	"bookingrelay/internal/infrastructure/mq"
	"bookingrelay/internal/model"
)

type BacklogReader interface {
	Statistics(ctx context.Context, topic string) model.DlqStatistics
}

// AlertNotifier delivers a raised alert to one channel.
type AlertNotifier interface {
	Notify(ctx context.Context, alert model.DlqAlert) error
}

// LogNotifier writes alerts to the service log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert model.DlqAlert) error {
	n.logger.Warn("dead-letter backlog above threshold",
		zap.String("topic", alert.Topic),
		zap.Int64("messages", alert.MessageCount),
		zap.Int64("threshold", alert.Threshold),
		zap.Int("partitions", alert.PartitionCount))
	return nil
}

// BusNotifier publishes alerts as JSON to an alert topic.
type BusNotifier struct {
	producer mq.Producer
	topic    string
	timeout  time.Duration
}

func NewBusNotifier(producer mq.Producer, topic string, timeout time.Duration) *BusNotifier {
	return &BusNotifier{producer: producer, topic: topic, timeout: timeout}
}

func (n *BusNotifier) Notify(ctx context.Context, alert model.DlqAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.producer.Send(sendCtx, n.topic, []byte(alert.Topic), body)
}

// DlqAlertMonitor watches a fixed list of dead-letter topics and raises an
// alert when a backlog exceeds the threshold, at most once per cooldown and
// topic.
type DlqAlertMonitor struct {
	stats     BacklogReader
	cooldown  cache.Cooldown
	notifiers []AlertNotifier
	cfg       config.AlertingConfig
	metrics   metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewDlqAlertMonitor(stats BacklogReader, cooldown cache.Cooldown, notifiers []AlertNotifier, cfg config.AlertingConfig, rec metrics.Recorder, logger *zap.Logger) *DlqAlertMonitor {
	return &DlqAlertMonitor{
		stats:     stats,
		cooldown:  cooldown,
		notifiers: notifiers,
		cfg:       cfg,
		metrics:   rec,
		logger:    logger.Named("dlq-alerts"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

func (m *DlqAlertMonitor) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		m.logger.Info("dead-letter alerting disabled")
		return
	}
	m.logger.Info("dead-letter alert monitor started",
		zap.Duration("interval", m.cfg.CheckInterval),
		zap.Int64("threshold", m.cfg.Threshold),
		zap.Strings("topics", m.cfg.Topics))

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			m.logger.Info("dead-letter alert monitor stopped")
			return
		case <-ticker.C:
			if stopped(m.stopCh) {
				return
			}
			m.CheckNow(ctx)
		}
	}
}

func (m *DlqAlertMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// CheckNow evaluates every watched topic once and returns the alerts raised.
func (m *DlqAlertMonitor) CheckNow(ctx context.Context) []model.DlqAlert {
	var raised []model.DlqAlert
	for _, topic := range m.cfg.Topics {
		stats := m.stats.Statistics(ctx, topic)
		if stats.Error != "" {
			m.logger.Warn("skip alert check", zap.String("topic", topic), zap.String("error", stats.Error))
			continue
		}
		if stats.MessageCount <= m.cfg.Threshold {
			continue
		}

		started, err := m.cooldown.Start(ctx, topic, m.cfg.Cooldown)
		if err != nil {
			// an unreachable cooldown store must not silence the alert
			m.logger.Warn("alert cooldown unavailable", zap.String("topic", topic), zap.Error(err))
			started = true
		}
		if !started {
			continue
		}

		alert := model.DlqAlert{
			Topic:          topic,
			MessageCount:   stats.MessageCount,
			Threshold:      m.cfg.Threshold,
			PartitionCount: stats.PartitionCount,
			RaisedAt:       m.now(),
		}
		for _, n := range m.notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				m.logger.Error("deliver dead-letter alert", zap.String("topic", topic), zap.Error(err))
			}
		}
		m.metrics.DlqAlertRaised(topic)
		raised = append(raised, alert)
	}
	return raised
}
