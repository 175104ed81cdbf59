package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"bookingrelay/internal/infrastructure/database"
	"bookingrelay/internal/model"
	"bookingrelay/internal/repository"
)

var ErrInvalidAmount = errors.New("amount must be greater than 0")

type AccountStore interface {
	GetByUserID(ctx context.Context, userID int64) (*model.Account, error)
	GetByUserIDForUpdate(ctx context.Context, userID int64) (*model.Account, error)
	GetOrCreate(ctx context.Context, userID int64) (*model.Account, error)
	Deduct(ctx context.Context, userID int64, amount int64, version int) error
	Increase(ctx context.Context, userID int64, amount int64) error
}

// EventAppender is the outbox write used by business services.
type EventAppender interface {
	Append(ctx context.Context, topic, key string, payload any) (*model.OutboxRecord, error)
}

type WalletResult struct {
	Status  string `json:"status"`
	UserID  int64  `json:"user_id"`
	Amount  int64  `json:"amount"`
	Balance int64  `json:"balance"`
}

// AccountService changes wallet balances and announces every change through
// the outbox in the same transaction.
type AccountService struct {
	accounts AccountStore
	outbox   EventAppender
	tx       database.Transactor
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

func NewAccountService(accounts AccountStore, outbox EventAppender, tx database.Transactor, topic string, logger *zap.Logger) *AccountService {
	return &AccountService{
		accounts: accounts,
		outbox:   outbox,
		tx:       tx,
		topic:    topic,
		logger:   logger.Named("wallet"),
		now:      time.Now,
	}
}

func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accounts.GetOrCreate(ctx, userID)
}

// Debit takes amount from the wallet of userID.
func (s *AccountService) Debit(ctx context.Context, userID, amount int64, reference string) (*WalletResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var result *WalletResult
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		account, err := s.accounts.GetByUserIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if account.Balance < amount {
			return repository.ErrBalanceNotEnough
		}
		if err := s.accounts.Deduct(ctx, userID, amount, account.Version); err != nil {
			return err
		}

		balance := account.Balance - amount
		if err := s.announce(ctx, model.WalletEventDebited, userID, amount, balance, reference); err != nil {
			return err
		}
		result = &WalletResult{Status: "SUCCESS", UserID: userID, Amount: amount, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet debited", zap.Int64("user_id", userID), zap.Int64("amount", amount))
	return result, nil
}

// Recharge adds amount to the wallet of userID, opening it if needed.
func (s *AccountService) Recharge(ctx context.Context, userID, amount int64, reference string) (*WalletResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var result *WalletResult
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.accounts.GetOrCreate(ctx, userID); err != nil {
			return err
		}
		if err := s.accounts.Increase(ctx, userID, amount); err != nil {
			return err
		}
		account, err := s.accounts.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}

		if err := s.announce(ctx, model.WalletEventRecharged, userID, amount, account.Balance, reference); err != nil {
			return err
		}
		result = &WalletResult{Status: "SUCCESS", UserID: userID, Amount: amount, Balance: account.Balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet recharged", zap.Int64("user_id", userID), zap.Int64("amount", amount))
	return result, nil
}

func (s *AccountService) announce(ctx context.Context, eventType string, userID, amount, balance int64, reference string) error {
	event := model.WalletEvent{
		Type:         eventType,
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: balance,
		Reference:    reference,
		OccurredAt:   s.now().UTC(),
	}
	if _, err := s.outbox.Append(ctx, s.topic, strconv.FormatInt(userID, 10), event); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}
