package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics capability handed to jobs and services. Components
// never check for a missing registry; they receive Nop instead.
type Recorder interface {
	OutboxPublished(topic string)
	OutboxRetried(topic string)
	OutboxFailed(topic string)
	OutboxCycle(d time.Duration)

	IdempotencyExecuted(path string)
	IdempotencyReplayed(path string)

	DlqBacklog(topic string, messages int64)
	DlqReprocessed(topic string)
	DlqReprocessFailed(topic string)
	DlqAlertRaised(topic string)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) OutboxPublished(string) {}
func (Nop) OutboxRetried(string) {}
func (Nop) OutboxFailed(string) {}
func (Nop) OutboxCycle(time.Duration) {}
func (Nop) IdempotencyExecuted(string) {}
func (Nop) IdempotencyReplayed(string) {}
func (Nop) DlqBacklog(string, int64) {}
func (Nop) DlqReprocessed(string) {}
func (Nop) DlqReprocessFailed(string) {}
func (Nop) DlqAlertRaised(string) {}

var _ Recorder = Nop{}

// Prometheus records into the given registerer.
type Prometheus struct {
	outboxPublished     *prometheus.CounterVec
	outboxRetried       *prometheus.CounterVec
	outboxFailed        *prometheus.CounterVec
	outboxCycle         prometheus.Histogram
	idempotencyExecuted *prometheus.CounterVec
	idempotencyReplayed *prometheus.CounterVec
	dlqBacklog          *prometheus.GaugeVec
	dlqReprocessed      *prometheus.CounterVec
	dlqReprocessFailed  *prometheus.CounterVec
	dlqAlerts           *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		outboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events delivered to the bus.",
		}, []string{"topic"}),
		outboxRetried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_retries_total",
			Help: "Failed outbox deliveries left PENDING for another attempt.",
		}, []string{"topic"}),
		outboxFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_failed_total",
			Help: "Outbox events moved to FAILED after exhausting retries.",
		}, []string{"topic"}),
		outboxCycle: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_publish_cycle_seconds",
			Help:    "Duration of one outbox publish cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		idempotencyExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_executions_total",
			Help: "Idempotent requests that ran their action.",
		}, []string{"path"}),
		idempotencyReplayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Idempotent requests answered from a stored response.",
		}, []string{"path"}),
		dlqBacklog: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_dlq_messages_count",
			Help: "Messages currently retained in a dead-letter topic.",
		}, []string{"topic"}),
		dlqReprocessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_dlq_reprocessed_total",
			Help: "Dead-letter messages republished to their main topic.",
		}, []string{"topic"}),
		dlqReprocessFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_dlq_reprocess_failed_total",
			Help: "Dead-letter messages that could not be republished.",
		}, []string{"topic"}),
		dlqAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_dlq_alerts_total",
			Help: "Backlog alerts raised for dead-letter topics.",
		}, []string{"topic"}),
	}
}

func (p *Prometheus) OutboxPublished(topic string) { p.outboxPublished.WithLabelValues(topic).Inc() }
func (p *Prometheus) OutboxRetried(topic string) { p.outboxRetried.WithLabelValues(topic).Inc() }
func (p *Prometheus) OutboxFailed(topic string) { p.outboxFailed.WithLabelValues(topic).Inc() }
func (p *Prometheus) OutboxCycle(d time.Duration) { p.outboxCycle.Observe(d.Seconds()) }

func (p *Prometheus) IdempotencyExecuted(path string) {
	p.idempotencyExecuted.WithLabelValues(path).Inc()
}

func (p *Prometheus) IdempotencyReplayed(path string) {
	p.idempotencyReplayed.WithLabelValues(path).Inc()
}

func (p *Prometheus) DlqBacklog(topic string, messages int64) {
	p.dlqBacklog.WithLabelValues(topic).Set(float64(messages))
}

func (p *Prometheus) DlqReprocessed(topic string) { p.dlqReprocessed.WithLabelValues(topic).Inc() }
func (p *Prometheus) DlqReprocessFailed(topic string) { p.dlqReprocessFailed.WithLabelValues(topic).Inc() }
func (p *Prometheus) DlqAlertRaised(topic string) { p.dlqAlerts.WithLabelValues(topic).Inc() }
