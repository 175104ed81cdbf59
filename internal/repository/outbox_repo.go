package repository

import (
	"context"
	"errors"
	"time"

	"bookingrelay/internal/infrastructure/database"
	"bookingrelay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOutboxRecordNotPending is returned when a status change finds the row
// already moved on by another publisher.
var ErrOutboxRecordNotPending = errors.New("outbox record is no longer pending")

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create inserts rec using the transaction carried by ctx, if any.
func (r *OutboxRepository) Create(ctx context.Context, rec *model.OutboxRecord) error {
	return database.Conn(ctx, r.db).Create(rec).Error
}

// ClaimPending stamps up to limit unclaimed PENDING rows, oldest first, with
// owner and a claim that expires after ttl. Rows claimed by a publisher that
// died become claimable again once their claim expires.
func (r *OutboxRepository) ClaimPending(ctx context.Context, owner string, limit int, ttl time.Duration, now time.Time) ([]*model.OutboxRecord, error) {
	now = now.UTC()
	until := now.Add(ttl)

	var records []*model.OutboxRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? AND (claimed_until IS NULL OR claimed_until < ?)", model.OutboxStatusPending, now).
			Order("created_at ASC").
			Order("id ASC").
			Limit(limit)
		if database.SupportsRowLocking(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&records).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		ids := make([]int64, len(records))
		for i, rec := range records {
			ids[i] = rec.ID
			rec.ClaimedBy = owner
			rec.ClaimedUntil = &until
		}
		return tx.Model(&model.OutboxRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"claimed_by":    owner,
				"claimed_until": until,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxRecord{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":        model.OutboxStatusPublished,
			"published_at":  at.UTC(),
			"claimed_until": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOutboxRecordNotPending
	}
	return nil
}

// ReleaseClaims hands PENDING rows claimed by owner back to the queue so the
// next cycle can pick them up without waiting for the claim to expire.
func (r *OutboxRepository) ReleaseClaims(ctx context.Context, owner string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxRecord{}).
		Where("id IN ? AND claimed_by = ? AND status = ?", ids, owner, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"claimed_by":    "",
			"claimed_until": nil,
		}).Error
}

// RecordFailure counts one failed delivery of rec. The row stays PENDING with
// retry_count+1 while retries remain and becomes FAILED otherwise. The new
// status is returned.
func (r *OutboxRepository) RecordFailure(ctx context.Context, rec *model.OutboxRecord, lastError string) (string, error) {
	updates := map[string]interface{}{
		"last_error":    lastError,
		"claimed_until": nil,
	}
	status := model.OutboxStatusPending
	if rec.RetriesExhausted() {
		status = model.OutboxStatusFailed
		updates["status"] = status
	} else {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}

	result := r.db.WithContext(ctx).
		Model(&model.OutboxRecord{}).
		Where("id = ? AND status = ? AND retry_count = ?", rec.ID, model.OutboxStatusPending, rec.RetryCount).
		Updates(updates)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", ErrOutboxRecordNotPending
	}
	return status, nil
}

func (r *OutboxRepository) GetByID(ctx context.Context, id int64) (*model.OutboxRecord, error) {
	var rec model.OutboxRecord
	if err := r.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*model.OutboxRecord, error) {
	var records []*model.OutboxRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// PurgePublishedBefore deletes PUBLISHED rows published before cutoff.
func (r *OutboxRepository) PurgePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", model.OutboxStatusPublished, cutoff.UTC()).
		Delete(&model.OutboxRecord{})
	return result.RowsAffected, result.Error
}
