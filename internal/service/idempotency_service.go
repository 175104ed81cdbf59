package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bookingrelay/internal/config"
	"bookingrelay/internal/infrastructure/database"
	"bookingrelay/internal/infrastructure/metrics"
	"bookingrelay/internal/model"
	"bookingrelay/internal/repository"
)

var (
	ErrIdempotencyKeyRequired    = errors.New("idempotency key is required")
	ErrInvalidIdempotencyRequest = errors.New("idempotency request needs a method and a path")
	// ErrIdempotencyConflict is returned when a key is reused with a
	// different request body.
	ErrIdempotencyConflict = errors.New("idempotency key was used with a different request")
	// ErrReservationLost means the ledger row vanished while the action ran.
	// Nothing is committed when it is returned.
	ErrReservationLost = errors.New("idempotency reservation lost")
)

type IdempotencyStore interface {
	Reserve(ctx context.Context, rec *model.IdempotencyRecord) (bool, error)
	LockByKey(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	Complete(ctx context.Context, id int64, status int, body string, at time.Time) error
}

type IdempotencyRequest struct {
	Key    string
	Method string
	Path   string
	Body   any
}

// IdempotentAction performs the request. It receives the ledger transaction
// in ctx; writes made through it commit together with the stored response.
type IdempotentAction func(ctx context.Context) (status int, result any, err error)

type IdempotentResponse struct {
	Status   int
	Body     []byte
	Replayed bool
}

type IdempotencyService struct {
	store   IdempotencyStore
	tx      database.Transactor
	cfg     config.IdempotencyConfig
	metrics metrics.Recorder
	logger  *zap.Logger
	now     func() time.Time
}

func NewIdempotencyService(store IdempotencyStore, tx database.Transactor, cfg config.IdempotencyConfig, rec metrics.Recorder, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		store:   store,
		tx:      tx,
		cfg:     cfg,
		metrics: rec,
		logger:  logger.Named("idempotency"),
		now:     time.Now,
	}
}

// Process runs action at most once per completed key and replays the stored
// response on every later call with the same key. An action error rolls the
// reservation back so the request may be retried.
func (s *IdempotencyService) Process(ctx context.Context, req IdempotencyRequest, action IdempotentAction) (*IdempotentResponse, error) {
	if req.Key == "" {
		if !s.cfg.BypassWhenEmpty {
			return nil, ErrIdempotencyKeyRequired
		}
		return s.execute(ctx, action)
	}
	if req.Method == "" || req.Path == "" {
		return nil, ErrInvalidIdempotencyRequest
	}

	hash, err := RequestHash(req.Body)
	if err != nil {
		return nil, err
	}

	var resp *IdempotentResponse
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := s.store.Reserve(ctx, &model.IdempotencyRecord{
			IdempotencyKey: req.Key,
			HTTPMethod:     req.Method,
			RequestPath:    req.Path,
			RequestHash:    hash,
		})
		if err != nil {
			return fmt.Errorf("reserve idempotency key: %w", err)
		}

		rec, err := s.store.LockByKey(ctx, req.Key)
		if err != nil {
			return fmt.Errorf("lock idempotency key: %w", err)
		}

		if rec.Completed() {
			if hash != "" && rec.RequestHash != "" && rec.RequestHash != hash {
				if s.cfg.RejectMismatch {
					return ErrIdempotencyConflict
				}
				s.logger.Warn("idempotency key reused with a different request body",
					zap.String("key", req.Key),
					zap.String("path", req.Path))
			}
			resp = &IdempotentResponse{
				Status:   rec.ResponseStatus,
				Body:     []byte(*rec.ResponseBody),
				Replayed: true,
			}
			return nil
		}

		resp, err = s.execute(ctx, action)
		if err != nil {
			return err
		}

		current, err := s.store.LockByKey(ctx, req.Key)
		if errors.Is(err, repository.ErrIdempotencyRecordNotFound) {
			return ErrReservationLost
		}
		if err != nil {
			return fmt.Errorf("relock idempotency key: %w", err)
		}
		if err := s.store.Complete(ctx, current.ID, resp.Status, string(resp.Body), s.now()); err != nil {
			if errors.Is(err, repository.ErrIdempotencyRecordNotFound) {
				return ErrReservationLost
			}
			return fmt.Errorf("store idempotent response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if resp.Replayed {
		s.metrics.IdempotencyReplayed(req.Path)
		s.logger.Info("replayed stored response", zap.String("key", req.Key), zap.String("path", req.Path))
	} else {
		s.metrics.IdempotencyExecuted(req.Path)
	}
	return resp, nil
}

func (s *IdempotencyService) execute(ctx context.Context, action IdempotentAction) (*IdempotentResponse, error) {
	status, result, err := action(ctx)
	if err != nil {
		return nil, err
	}
	body, err := encodeResult(result)
	if err != nil {
		return nil, fmt.Errorf("encode idempotent response: %w", err)
	}
	return &IdempotentResponse{Status: status, Body: body}, nil
}

func encodeResult(result any) ([]byte, error) {
	switch r := result.(type) {
	case json.RawMessage:
		return r, nil
	case []byte:
		return r, nil
	}
	return json.Marshal(result)
}

// RequestHash is the hex SHA-256 of the JSON encoding of body. A nil body has
// no hash.
func RequestHash(body any) (string, error) {
	if body == nil {
		return "", nil
	}
	raw, err := encodeResult(body)
	if err != nil {
		return "", fmt.Errorf("encode request body: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
