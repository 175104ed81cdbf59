package model

import (
	"time"
)

// IdempotencyRecord remembers the outcome of a client request identified by
// its Idempotency-Key. ResponseBody stays nil until the wrapped action
// completes; after that the row is never modified again.
type IdempotencyRecord struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	IdempotencyKey string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"idempotency_key"`
	HTTPMethod     string     `gorm:"column:http_method;type:varchar(16);not null" json:"http_method"`
	RequestPath    string     `gorm:"type:varchar(255);not null" json:"request_path"`
	RequestHash    string     `gorm:"type:varchar(64)" json:"request_hash,omitempty"`
	ResponseBody   *string    `gorm:"type:text" json:"response_body,omitempty"`
	ResponseStatus int        `gorm:"not null;default:0" json:"response_status"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	CompletedAt    *time.Time `gorm:"index" json:"completed_at,omitempty"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_key"
}

// Completed reports whether a response has been stored for replay.
func (r *IdempotencyRecord) Completed() bool {
	return r.ResponseBody != nil
}
