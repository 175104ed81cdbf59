package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bookingrelay/internal/config"
	"bookingrelay/internal/infrastructure/cache"
	"bookingrelay/internal/infrastructure/metrics"
	"bookingrelay/internal/model"
)

type staticBacklog struct {
	mu    sync.Mutex
	stats map[string]model.DlqStatistics
}

func (b *staticBacklog) Statistics(_ context.Context, topic string) model.DlqStatistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats[topic]
	s.Topic = topic
	return s
}

func (b *staticBacklog) set(topic string, count int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats[topic] = model.DlqStatistics{MessageCount: count, PartitionCount: 3}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []model.DlqAlert
}

func (n *recordingNotifier) Notify(_ context.Context, alert model.DlqAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

type brokenCooldown struct{}

func (brokenCooldown) Start(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis unreachable")
}

var testAlertingConfig = config.AlertingConfig{
	Enabled:       true,
	Threshold:     10,
	CheckInterval: 10 * time.Millisecond,
	Cooldown:      60 * time.Minute,
	Topics:        []string{"booking-created.DLT", "user-events.DLT"},
}

func TestAlertRaisedAboveThresholdOncePerCooldown(t *testing.T) {
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	backlog := &staticBacklog{stats: map[string]model.DlqStatistics{}}
	backlog.set("booking-created.DLT", 11)
	backlog.set("user-events.DLT", 10)
	notifier := &recordingNotifier{}

	m := NewDlqAlertMonitor(backlog, cache.NewMemoryCooldown(now), []AlertNotifier{notifier, NewLogNotifier(zap.NewNop())},
		testAlertingConfig, metrics.Nop{}, zap.NewNop())
	m.now = now

	alerts := m.CheckNow(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, model.DlqAlert{
		Topic:          "booking-created.DLT",
		MessageCount:   11,
		Threshold:      10,
		PartitionCount: 3,
		RaisedAt:       clock,
	}, alerts[0])

	clock = clock.Add(30 * time.Minute)
	assert.Empty(t, m.CheckNow(context.Background()))

	clock = clock.Add(31 * time.Minute)
	backlog.set("user-events.DLT", 50)
	alerts = m.CheckNow(context.Background())
	require.Len(t, alerts, 2)
	assert.Len(t, notifier.alerts, 3)
}

func TestAlertSkipsTopicsWithErrors(t *testing.T) {
	backlog := &staticBacklog{stats: map[string]model.DlqStatistics{
		"booking-created.DLT": {MessageCount: 0, Error: "broker unreachable"},
	}}
	m := NewDlqAlertMonitor(backlog, cache.NewMemoryCooldown(nil), nil, testAlertingConfig, metrics.Nop{}, zap.NewNop())
	assert.Empty(t, m.CheckNow(context.Background()))
}

func TestAlertRaisedWhenCooldownStoreFails(t *testing.T) {
	backlog := &staticBacklog{stats: map[string]model.DlqStatistics{}}
	backlog.set("booking-created.DLT", 100)
	m := NewDlqAlertMonitor(backlog, brokenCooldown{}, nil, testAlertingConfig, metrics.Nop{}, zap.NewNop())

	assert.Len(t, m.CheckNow(context.Background()), 1)
}

func TestBusNotifierPublishesAlert(t *testing.T) {
	producer := &recordingProducer{}
	n := NewBusNotifier(producer, "ops-alerts", time.Second)

	alert := model.DlqAlert{Topic: "user-events.DLT", MessageCount: 12, Threshold: 10}
	require.NoError(t, n.Notify(context.Background(), alert))

	sent := producer.sent["ops-alerts"]
	require.Len(t, sent, 1)
	body, _ := json.Marshal(alert)
	assert.Equal(t, "user-events.DLT="+string(body), sent[0])
}

func TestAlertMonitorStartDisabledReturns(t *testing.T) {
	cfg := testAlertingConfig
	cfg.Enabled = false
	m := NewDlqAlertMonitor(&staticBacklog{stats: map[string]model.DlqStatistics{}}, cache.NewMemoryCooldown(nil), nil, cfg, metrics.Nop{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled monitor kept running")
	}
}

func TestAlertMonitorTicks(t *testing.T) {
	backlog := &staticBacklog{stats: map[string]model.DlqStatistics{}}
	backlog.set("booking-created.DLT", 20)
	notifier := &recordingNotifier{}
	m := NewDlqAlertMonitor(backlog, cache.NewMemoryCooldown(nil), []AlertNotifier{notifier}, testAlertingConfig, metrics.Nop{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.alerts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	m.Stop()
}
