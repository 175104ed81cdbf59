package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bookingrelay/internal/config"
)

type PublishedPurger interface {
	PurgePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type CompletedPurger interface {
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob deletes PUBLISHED outbox rows and completed ledger entries
// once they are older than their retention. FAILED and PENDING rows are
// never touched.
type RetentionJob struct {
	outbox          PublishedPurger
	ledger          CompletedPurger
	interval        time.Duration
	outboxRetention time.Duration
	ledgerRetention time.Duration
	logger          *zap.Logger
	now             func() time.Time
	stopCh          chan struct{}
	stopOnce        sync.Once
}

func NewRetentionJob(outbox PublishedPurger, ledger CompletedPurger, cfg config.RetentionConfig, ledgerRetention time.Duration, logger *zap.Logger) *RetentionJob {
	return &RetentionJob{
		outbox:          outbox,
		ledger:          ledger,
		interval:        cfg.Interval,
		outboxRetention: cfg.PublishedOutbox,
		ledgerRetention: ledgerRetention,
		logger:          logger.Named("retention"),
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}
}

func (j *RetentionJob) Start(ctx context.Context) {
	if j.interval <= 0 {
		j.logger.Info("retention job disabled")
		return
	}
	j.logger.Info("retention job started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			j.logger.Info("retention job stopped")
			return
		case <-ticker.C:
			if stopped(j.stopCh) {
				return
			}
			j.RunOnce(ctx)
		}
	}
}

func (j *RetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce purges both tables and returns the number of rows removed from each.
func (j *RetentionJob) RunOnce(ctx context.Context) (outboxPurged, ledgerPurged int64) {
	now := j.now()

	if j.outboxRetention > 0 {
		n, err := j.outbox.PurgePublishedBefore(ctx, now.Add(-j.outboxRetention))
		if err != nil {
			j.logger.Error("purge published outbox events", zap.Error(err))
		} else {
			outboxPurged = n
		}
	}

	if j.ledgerRetention > 0 {
		n, err := j.ledger.PurgeCompletedBefore(ctx, now.Add(-j.ledgerRetention))
		if err != nil {
			j.logger.Error("purge idempotency records", zap.Error(err))
		} else {
			ledgerPurged = n
		}
	}

	if outboxPurged > 0 || ledgerPurged > 0 {
		j.logger.Info("retention purge finished",
			zap.Int64("outbox_events", outboxPurged),
			zap.Int64("idempotency_records", ledgerPurged))
	}
	return outboxPurged, ledgerPurged
}
