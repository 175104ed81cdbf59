package service

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bookingrelay/internal/infrastructure/database"
	"bookingrelay/internal/infrastructure/metrics"
	"bookingrelay/internal/model"
	"bookingrelay/internal/repository"
	"bookingrelay/pkg/idgen"
)

type walletFixture struct {
	db          *gorm.DB
	outboxRepo  *repository.OutboxRepository
	outbox      *OutboxService
	wallet      *AccountService
	idempotency *IdempotencyService
}

func newWalletFixture(t *testing.T) *walletFixture {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "wallet.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	ids, err := idgen.New(1)
	require.NoError(t, err)

	tm := database.NewTxManager(db)
	outboxRepo := repository.NewOutboxRepository(db)
	outbox := NewOutboxService(outboxRepo, ids, 3, zap.NewNop())
	return &walletFixture{
		db:         db,
		outboxRepo: outboxRepo,
		outbox:     outbox,
		wallet:     NewAccountService(repository.NewAccountRepository(db), outbox, tm, "wallet-events", zap.NewNop()),
		idempotency: NewIdempotencyService(repository.NewIdempotencyRepository(db), tm,
			defaultIdempotencyConfig, metrics.Nop{}, zap.NewNop()),
	}
}

func (f *walletFixture) pendingEvents(t *testing.T) []*model.OutboxRecord {
	t.Helper()
	recs, err := f.outboxRepo.ListByStatus(context.Background(), model.OutboxStatusPending, 100)
	require.NoError(t, err)
	return recs
}

func TestAppendRequiresTransaction(t *testing.T) {
	f := newWalletFixture(t)

	_, err := f.outbox.Append(context.Background(), "wallet-events", "k", map[string]int{"n": 1})
	assert.ErrorIs(t, err, ErrTransactionRequired)
	assert.Empty(t, f.pendingEvents(t))
}

func TestAppendValidatesInput(t *testing.T) {
	f := newWalletFixture(t)
	tm := database.NewTxManager(f.db)

	err := tm.WithinTransaction(context.Background(), func(ctx context.Context) error {
		_, err := f.outbox.Append(ctx, "", "k", map[string]int{"n": 1})
		assert.ErrorIs(t, err, ErrEmptyTopic)
		_, err = f.outbox.Append(ctx, "wallet-events", "k", []byte("{broken"))
		assert.ErrorIs(t, err, ErrInvalidPayload)

		rec, err := f.outbox.Append(ctx, "wallet-events", "k", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		assert.Equal(t, `{"n":1}`, rec.Payload)
		assert.Equal(t, model.OutboxStatusPending, rec.Status)
		assert.Equal(t, 3, rec.MaxRetries)
		assert.NotZero(t, rec.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, f.pendingEvents(t), 1)
}

func TestAppendRolledBackWithBusinessChange(t *testing.T) {
	f := newWalletFixture(t)
	tm := database.NewTxManager(f.db)

	err := tm.WithinTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := f.outbox.Append(ctx, "wallet-events", "k", map[string]int{"n": 1}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, f.pendingEvents(t))
}

func TestListFailed(t *testing.T) {
	f := newWalletFixture(t)
	require.NoError(t, f.outboxRepo.Create(context.Background(), &model.OutboxRecord{
		ID: 1, Topic: "wallet-events", Payload: "{}", Status: model.OutboxStatusFailed, RetryCount: 3, MaxRetries: 3,
	}))

	failed, err := f.outbox.ListFailed(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(1), failed[0].ID)
}

func TestIdempotentDebitReplaysWithoutSecondCharge(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()

	_, err := f.wallet.Recharge(ctx, 42, 1000, "")
	require.NoError(t, err)

	debit := func() (*IdempotentResponse, error) {
		return f.idempotency.Process(ctx, IdempotencyRequest{
			Key:    "abc",
			Method: http.MethodPost,
			Path:   "/api/v1/wallet/debit",
			Body:   map[string]int64{"user_id": 42, "amount": 100},
		}, func(ctx context.Context) (int, any, error) {
			res, err := f.wallet.Debit(ctx, 42, 100, "abc")
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, res, nil
		})
	}

	first, err := debit()
	require.NoError(t, err)
	second, err := debit()
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body)

	var body WalletResult
	require.NoError(t, json.Unmarshal(second.Body, &body))
	assert.Equal(t, "SUCCESS", body.Status)
	assert.Equal(t, int64(900), body.Balance)

	account, err := f.wallet.GetAccount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(900), account.Balance)

	events := f.pendingEvents(t)
	require.Len(t, events, 2)
	debits := 0
	for _, rec := range events {
		var ev model.WalletEvent
		require.NoError(t, json.Unmarshal([]byte(rec.Payload), &ev))
		assert.Equal(t, strconv.FormatInt(42, 10), rec.MessageKey)
		if ev.Type == model.WalletEventDebited {
			debits++
			assert.Equal(t, int64(900), ev.BalanceAfter)
		}
	}
	assert.Equal(t, 1, debits)
}

func TestFailedDebitLeavesNoTrace(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()

	_, err := f.wallet.Recharge(ctx, 7, 50, "")
	require.NoError(t, err)

	_, err = f.idempotency.Process(ctx, IdempotencyRequest{
		Key: "too-much", Method: http.MethodPost, Path: "/api/v1/wallet/debit",
	}, func(ctx context.Context) (int, any, error) {
		res, err := f.wallet.Debit(ctx, 7, 100, "too-much")
		return http.StatusOK, res, err
	})
	require.ErrorIs(t, err, repository.ErrBalanceNotEnough)

	account, err := f.wallet.GetAccount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)
	assert.Len(t, f.pendingEvents(t), 1)

	var count int64
	require.NoError(t, f.db.Model(&model.IdempotencyRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	f := newWalletFixture(t)
	_, err := f.wallet.Debit(context.Background(), 1, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.wallet.Recharge(context.Background(), 1, -5, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
