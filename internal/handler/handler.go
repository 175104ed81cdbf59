package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bookingrelay/internal/job"
	"bookingrelay/internal/model"
	"bookingrelay/internal/repository"
	"bookingrelay/internal/service"
	"bookingrelay/pkg/response"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

type WalletService interface {
	GetAccount(ctx context.Context, userID int64) (*model.Account, error)
	Debit(ctx context.Context, userID, amount int64, reference string) (*service.WalletResult, error)
	Recharge(ctx context.Context, userID, amount int64, reference string) (*service.WalletResult, error)
}

type Ledger interface {
	Process(ctx context.Context, req service.IdempotencyRequest, action service.IdempotentAction) (*service.IdempotentResponse, error)
}

type FailedEvents interface {
	ListFailed(ctx context.Context, limit int) ([]*model.OutboxRecord, error)
}

type Publisher interface {
	RunOnce(ctx context.Context) (job.PublishResult, error)
}

type DlqOperator interface {
	Statistics(ctx context.Context, topic string) model.DlqStatistics
	AllStatistics(ctx context.Context) map[string]model.DlqStatistics
	Inspect(ctx context.Context, topic string, max int) ([]model.DlqMessage, error)
	Reprocess(ctx context.Context, dlt, main string, max int) model.ReprocessResult
	CancelReprocessing() int
	Delete(ctx context.Context, topic string) error
}

type AlertChecker interface {
	CheckNow(ctx context.Context) []model.DlqAlert
}

// Services are the collaborators behind the HTTP surface.
type Services struct {
	Wallet    WalletService
	Ledger    Ledger
	Outbox    FailedEvents
	Publisher Publisher
	Dlq       DlqOperator
	Alerts    AlertChecker
}

type Handler struct {
	svc    Services
	logger *zap.Logger
}

func NewHandler(svc Services, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.Named("http")}
}

// ============================================================
// wallet
// ============================================================

// GetBalance GET /api/v1/wallet/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid user_id")
		return
	}

	account, err := h.svc.Wallet.GetAccount(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": account.UserID,
		"balance": account.Balance,
	})
}

type WalletRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reference string `json:"reference"`
}

// Debit POST /api/v1/wallet/debit
func (h *Handler) Debit(c *gin.Context) {
	h.walletCommand(c, func(ctx context.Context, req WalletRequest) (*service.WalletResult, error) {
		return h.svc.Wallet.Debit(ctx, req.UserID, req.Amount, req.Reference)
	})
}

// Recharge POST /api/v1/wallet/recharge
func (h *Handler) Recharge(c *gin.Context) {
	h.walletCommand(c, func(ctx context.Context, req WalletRequest) (*service.WalletResult, error) {
		return h.svc.Wallet.Recharge(ctx, req.UserID, req.Amount, req.Reference)
	})
}

// walletCommand runs op through the idempotency ledger. Business rejections
// are stored and replayed like successes; other errors leave the key free.
func (h *Handler) walletCommand(c *gin.Context, op func(ctx context.Context, req WalletRequest) (*service.WalletResult, error)) {
	var req WalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	key := c.GetHeader(IdempotencyKeyHeader)
	if req.Reference == "" {
		req.Reference = key
	}

	resp, err := h.svc.Ledger.Process(c.Request.Context(), service.IdempotencyRequest{
		Key:    key,
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Body:   req,
	}, func(ctx context.Context) (int, any, error) {
		result, err := op(ctx, req)
		switch {
		case errors.Is(err, repository.ErrBalanceNotEnough):
			return http.StatusOK, response.Response{Code: response.CodeBalanceNotEnough, Message: err.Error()}, nil
		case errors.Is(err, repository.ErrAccountNotFound):
			return http.StatusOK, response.Response{Code: response.CodeAccountNotFound, Message: err.Error()}, nil
		case err != nil:
			return 0, nil, err
		}
		return http.StatusOK, response.OK(result), nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Raw(c, resp.Status, resp.Body, resp.Replayed)
}

// ============================================================
// outbox operations
// ============================================================

// PublishOutbox POST /ops/outbox/publish
func (h *Handler) PublishOutbox(c *gin.Context) {
	result, err := h.svc.Publisher.RunOnce(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ListFailedOutbox GET /ops/outbox/failed?limit=100
func (h *Handler) ListFailedOutbox(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		response.ParamError(c, "invalid limit")
		return
	}

	records, err := h.svc.Outbox.ListFailed(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, records)
}

// ============================================================
// dead-letter operations
// ============================================================

// DlqStatistics GET /ops/dlq/stats
func (h *Handler) DlqStatistics(c *gin.Context) {
	response.Success(c, h.svc.Dlq.AllStatistics(c.Request.Context()))
}

// DlqTopicStatistics GET /ops/dlq/stats/:topic
func (h *Handler) DlqTopicStatistics(c *gin.Context) {
	response.Success(c, h.svc.Dlq.Statistics(c.Request.Context(), c.Param("topic")))
}

// InspectDlq GET /ops/dlq/inspect/:topic?max_messages=10
func (h *Handler) InspectDlq(c *gin.Context) {
	max, err := strconv.Atoi(c.DefaultQuery("max_messages", "10"))
	if err != nil || max <= 0 {
		response.ParamError(c, "invalid max_messages")
		return
	}

	messages, err := h.svc.Dlq.Inspect(c.Request.Context(), c.Param("topic"), max)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, messages)
}

type ReprocessRequest struct {
	DltTopic   string `json:"dlt_topic" binding:"required"`
	MainTopic  string `json:"main_topic"`
	MaxRecords int    `json:"max_records" binding:"required,gt=0"`
}

// ReprocessDlq POST /ops/dlq/reprocess
func (h *Handler) ReprocessDlq(c *gin.Context) {
	var req ReprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result := h.svc.Dlq.Reprocess(c.Request.Context(), req.DltTopic, req.MainTopic, req.MaxRecords)
	response.Success(c, result)
}

// CancelReprocessing POST /ops/dlq/reprocess/cancel
func (h *Handler) CancelReprocessing(c *gin.Context) {
	response.Success(c, gin.H{"cancelled": h.svc.Dlq.CancelReprocessing()})
}

// DeleteDlq DELETE /ops/dlq/:topic
func (h *Handler) DeleteDlq(c *gin.Context) {
	if err := h.svc.Dlq.Delete(c.Request.Context(), c.Param("topic")); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}

// CheckAlerts POST /ops/dlq/alerts/check
func (h *Handler) CheckAlerts(c *gin.Context) {
	alerts := h.svc.Alerts.CheckNow(c.Request.Context())
	if alerts == nil {
		alerts = []model.DlqAlert{}
	}
	response.Success(c, alerts)
}

// fail maps service errors to the response envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrIdempotencyKeyRequired):
		response.ErrorStatus(c, http.StatusBadRequest, response.CodeIdempotencyKeyMissing, err.Error())
	case errors.Is(err, service.ErrInvalidIdempotencyRequest),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidDlqRequest):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrIdempotencyConflict):
		response.ErrorStatus(c, http.StatusConflict, response.CodeIdempotencyConflict, err.Error())
	case errors.Is(err, job.ErrLeaseNotAcquired):
		response.ErrorStatus(c, http.StatusConflict, response.CodeLeaseNotAcquired, err.Error())
	case errors.Is(err, service.ErrDlqDeleteUnsupported):
		response.ErrorStatus(c, http.StatusNotImplemented, response.CodeDlqDeleteUnsupported, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.ErrorStatus(c, http.StatusNotFound, response.CodeAccountNotFound, err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		response.ServerError(c, "internal server error")
	}
}
