package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bookingrelay/internal/infrastructure/database"
	"bookingrelay/internal/model"
)

var (
	// ErrTransactionRequired is returned by Append when ctx carries no
	// database transaction.
	ErrTransactionRequired = errors.New("outbox append requires an active transaction")
	ErrEmptyTopic          = errors.New("outbox topic is required")
	ErrInvalidPayload      = errors.New("outbox payload is not valid JSON")
)

type OutboxStore interface {
	Create(ctx context.Context, rec *model.OutboxRecord) error
	ListByStatus(ctx context.Context, status string, limit int) ([]*model.OutboxRecord, error)
}

type IDGenerator interface {
	Generate() int64
}

type OutboxService struct {
	store      OutboxStore
	ids        IDGenerator
	maxRetries int
	logger     *zap.Logger
}

func NewOutboxService(store OutboxStore, ids IDGenerator, maxRetries int, logger *zap.Logger) *OutboxService {
	return &OutboxService{
		store:      store,
		ids:        ids,
		maxRetries: maxRetries,
		logger:     logger.Named("outbox"),
	}
}

// Append records an event for later publication. It must run inside the
// transaction of the business change that produced the event, so the event
// exists if and only if that change commits.
func (s *OutboxService) Append(ctx context.Context, topic, key string, payload any) (*model.OutboxRecord, error) {
	if _, ok := database.TxFromContext(ctx); !ok {
		return nil, ErrTransactionRequired
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	rec := &model.OutboxRecord{
		ID:         s.ids.Generate(),
		Topic:      topic,
		MessageKey: key,
		Payload:    string(body),
		Status:     model.OutboxStatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}

	s.logger.Debug("outbox event appended",
		zap.Int64("id", rec.ID),
		zap.String("topic", topic),
		zap.String("key", key))
	return rec, nil
}

// ListFailed returns FAILED events, oldest first, for manual follow-up.
func (s *OutboxService) ListFailed(ctx context.Context, limit int) ([]*model.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, model.OutboxStatusFailed, limit)
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return body, nil
}
