package model

import (
	"time"
)

// Account is a user's wallet. Balance changes go through the idempotency
// ledger and announce themselves through the outbox.
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	Version   int       `gorm:"not null;default:0" json:"version"` // optimistic lock
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

const (
	WalletEventDebited   = "WALLET_DEBITED"
	WalletEventRecharged = "WALLET_RECHARGED"
)

// WalletEvent is the outbox payload emitted for every balance change.
type WalletEvent struct {
	Type         string    `json:"type"`
	UserID       int64     `json:"user_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
