package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookingrelay/internal/config"
	"bookingrelay/internal/infrastructure/lock"
	"bookingrelay/internal/infrastructure/metrics"
	"bookingrelay/internal/infrastructure/mq"
	"bookingrelay/internal/model"
)

// ErrLeaseNotAcquired is returned by RunOnce when another replica is
// publishing.
var ErrLeaseNotAcquired = errors.New("outbox publisher lease is held elsewhere")

var errInvalidPayload = errors.New("payload is not valid JSON")

type OutboxQueue interface {
	ClaimPending(ctx context.Context, owner string, limit int, ttl time.Duration, now time.Time) ([]*model.OutboxRecord, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	RecordFailure(ctx context.Context, rec *model.OutboxRecord, lastError string) (string, error)
	ReleaseClaims(ctx context.Context, owner string, ids []int64) error
}

type LeaseAcquirer interface {
	TryAcquire(ctx context.Context) (*lock.LeaseHandle, bool, error)
}

// PublishResult summarises one publish cycle.
type PublishResult struct {
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	// Deferred rows were claimed but left for the next cycle because the
	// lease would have run out before they could be sent.
	Deferred int `json:"deferred"`
}

// OutboxPublisher moves PENDING outbox rows to the bus. Delivery is
// at-least-once: a crash between the send and the status update publishes
// the row again on a later cycle.
type OutboxPublisher struct {
	queue    OutboxQueue
	producer mq.Producer
	lease    LeaseAcquirer
	cfg      config.OutboxConfig
	metrics  metrics.Recorder
	logger   *zap.Logger
	owner    string
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewOutboxPublisher(queue OutboxQueue, producer mq.Producer, lease LeaseAcquirer, cfg config.OutboxConfig, rec metrics.Recorder, logger *zap.Logger) *OutboxPublisher {
	return &OutboxPublisher{
		queue:    queue,
		producer: producer,
		lease:    lease,
		cfg:      cfg,
		metrics:  rec,
		logger:   logger.Named("outbox-publisher"),
		owner:    uuid.NewString(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (p *OutboxPublisher) Start(ctx context.Context) {
	p.logger.Info("outbox publisher started",
		zap.Duration("interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.String("owner", p.owner))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher exiting")
			return
		case <-p.stopCh:
			p.logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			if stopped(p.stopCh) {
				return
			}
			if _, err := p.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrLeaseNotAcquired) {
					p.logger.Debug("publish cycle skipped, lease held elsewhere")
					continue
				}
				p.logger.Error("publish cycle failed", zap.Error(err))
			}
		}
	}
}

func (p *OutboxPublisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// RunOnce runs a single publish cycle under the publisher lease. One row's
// failure never stops the rest of the batch.
func (p *OutboxPublisher) RunOnce(ctx context.Context) (PublishResult, error) {
	var result PublishResult

	handle, ok, err := p.lease.TryAcquire(ctx)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, ErrLeaseNotAcquired
	}
	defer func() {
		if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("release publisher lease", zap.Error(err))
		}
	}()

	start := p.now()
	defer func() { p.metrics.OutboxCycle(p.now().Sub(start)) }()

	records, err := p.queue.ClaimPending(ctx, p.owner, p.cfg.BatchSize, p.cfg.Lease.MaxHold, start)
	if err != nil {
		return result, err
	}
	result.Claimed = len(records)

	// Every send must finish before the lease and the row claims expire.
	cutoff := start.Add(p.cfg.Lease.MaxHold - p.cfg.SendTimeout)

	for i, rec := range records {
		if ctx.Err() != nil || !p.now().Before(cutoff) {
			p.release(ctx, records[i:], &result)
			break
		}
		switch p.publish(ctx, rec) {
		case model.OutboxStatusPublished:
			result.Published++
		case model.OutboxStatusPending:
			result.Retried++
		case model.OutboxStatusFailed:
			result.Failed++
		}
	}

	if result.Claimed > 0 {
		p.logger.Info("publish cycle finished",
			zap.Int("claimed", result.Claimed),
			zap.Int("published", result.Published),
			zap.Int("retried", result.Retried),
			zap.Int("failed", result.Failed),
			zap.Int("deferred", result.Deferred))
	}
	return result, nil
}

// release returns the unsent rows of a cut-short cycle to the queue.
func (p *OutboxPublisher) release(ctx context.Context, rest []*model.OutboxRecord, result *PublishResult) {
	result.Deferred = len(rest)
	ids := make([]int64, len(rest))
	for i, rec := range rest {
		ids[i] = rec.ID
	}
	if err := p.queue.ReleaseClaims(context.WithoutCancel(ctx), p.owner, ids); err != nil {
		p.logger.Warn("release outbox claims", zap.Int("rows", len(ids)), zap.Error(err))
	}
}

// publish sends rec and records the outcome. It returns the row's new status,
// or "" when the outcome could not be stored.
func (p *OutboxPublisher) publish(ctx context.Context, rec *model.OutboxRecord) string {
	err := p.send(ctx, rec)
	if err == nil {
		if err := p.queue.MarkPublished(ctx, rec.ID, p.now()); err != nil {
			p.logger.Error("mark outbox event published",
				zap.Int64("id", rec.ID), zap.Error(err))
			return ""
		}
		p.metrics.OutboxPublished(rec.Topic)
		p.logger.Debug("outbox event published",
			zap.Int64("id", rec.ID), zap.String("topic", rec.Topic), zap.String("key", rec.MessageKey))
		return model.OutboxStatusPublished
	}

	status, serr := p.queue.RecordFailure(ctx, rec, truncate(err.Error(), p.cfg.ErrorMaxLength))
	if serr != nil {
		p.logger.Error("record outbox delivery failure",
			zap.Int64("id", rec.ID), zap.NamedError("delivery_error", err), zap.Error(serr))
		return ""
	}

	if status == model.OutboxStatusFailed {
		p.metrics.OutboxFailed(rec.Topic)
		p.logger.Error("outbox event failed permanently",
			zap.Int64("id", rec.ID),
			zap.String("topic", rec.Topic),
			zap.Int("attempts", rec.RetryCount+1),
			zap.Error(err))
	} else {
		p.metrics.OutboxRetried(rec.Topic)
		p.logger.Warn("outbox event delivery failed, will retry",
			zap.Int64("id", rec.ID),
			zap.String("topic", rec.Topic),
			zap.Int("retry_count", rec.RetryCount+1),
			zap.Error(err))
	}
	return status
}

func (p *OutboxPublisher) send(ctx context.Context, rec *model.OutboxRecord) error {
	if !json.Valid([]byte(rec.Payload)) {
		return errInvalidPayload
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	var key []byte
	if rec.MessageKey != "" {
		key = []byte(rec.MessageKey)
	}
	return p.producer.Send(sendCtx, rec.Topic, key, []byte(rec.Payload))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
