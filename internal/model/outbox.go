package model

import (
	"time"
)

const (
	OutboxStatusPending   = "PENDING"
	OutboxStatusPublished = "PUBLISHED"
	OutboxStatusFailed    = "FAILED"
)

// OutboxRecord is one domain event waiting to be announced on the bus. It is
// written in the same transaction as the business change that produced it.
type OutboxRecord struct {
	ID           int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Topic        string     `gorm:"type:varchar(255);not null" json:"topic"`
	MessageKey   string     `gorm:"type:varchar(128)" json:"message_key,omitempty"`
	Payload      string     `gorm:"type:text;not null" json:"payload"`
	Status       string     `gorm:"type:varchar(20);not null;default:PENDING;index:idx_outbox_status_created,priority:1" json:"status"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int        `gorm:"not null;default:3" json:"max_retries"`
	LastError    string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	ClaimedBy    string     `gorm:"type:varchar(64)" json:"-"`
	ClaimedUntil *time.Time `json:"-"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index:idx_outbox_status_created,priority:2" json:"created_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxRecord) TableName() string {
	return "outbox_event"
}

// RetriesExhausted reports whether one more failed attempt moves the row to FAILED.
func (r *OutboxRecord) RetriesExhausted() bool {
	return r.RetryCount >= r.MaxRetries
}
