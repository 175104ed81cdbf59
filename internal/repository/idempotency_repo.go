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

var ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")

// IdempotencyRepository stores the ledger rows. Reserve and LockByKey are
// meant to run inside the transaction carried by ctx.
type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Reserve inserts rec unless a row with the same key exists. It reports
// whether this call created the row.
func (r *IdempotencyRepository) Reserve(ctx context.Context, rec *model.IdempotencyRecord) (bool, error) {
	result := database.Conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// LockByKey reads the row for key and holds its row lock until the
// surrounding transaction ends.
func (r *IdempotencyRepository) LockByKey(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	q := database.Conn(ctx, r.db)
	if database.SupportsRowLocking(q) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var rec model.IdempotencyRecord
	err := q.Where("idempotency_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdempotencyRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Complete stores the response of the reserved row id. A row that already
// holds a response is left untouched.
func (r *IdempotencyRepository) Complete(ctx context.Context, id int64, status int, body string, at time.Time) error {
	result := database.Conn(ctx, r.db).
		Model(&model.IdempotencyRecord{}).
		Where("id = ? AND response_body IS NULL", id).
		Updates(map[string]interface{}{
			"response_body":   body,
			"response_status": status,
			"completed_at":    at.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIdempotencyRecordNotFound
	}
	return nil
}

// PurgeCompletedBefore deletes ledger rows completed before cutoff.
func (r *IdempotencyRepository) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff.UTC()).
		Delete(&model.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
