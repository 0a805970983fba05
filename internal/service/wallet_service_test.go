package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/codec"
	"github.com/richardliu001/courier/internal/event"
	"github.com/richardliu001/courier/internal/intercept"
	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/repo"
	"github.com/richardliu001/courier/internal/request"
	"github.com/richardliu001/courier/internal/retry"
	"github.com/richardliu001/courier/internal/saga"
	"github.com/richardliu001/courier/internal/snowflake"
	"github.com/richardliu001/courier/internal/testdb"
	"github.com/richardliu001/courier/internal/uow"
	"github.com/richardliu001/courier/internal/worker"
)

// sink is an integration transport that accepts everything.
type sink struct {
	mu   sync.Mutex
	msgs []*event.Message
}

func (s *sink) Publish(ctx context.Context, rec *event.Record, msg *event.Message, cb event.Callback) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	cb.OnSuccess(ctx, rec)
}

func (s *sink) changes(t *testing.T) []BalanceChanged {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BalanceChanged
	for _, m := range s.msgs {
		assert.Equal(t, BalanceTopic, m.Topic)
		var bc BalanceChanged
		require.NoError(t, json.Unmarshal([]byte(m.Data), &bc))
		out = append(out, bc)
	}
	return out
}

func newTestService(t *testing.T) (*WalletService, redismock.ClientMock, *sink, *gorm.DB) {
	log := zap.NewNop().Sugar()
	db := testdb.Open(t)
	rdb, mock := redismock.NewClientMock()

	reg := codec.NewRegistry()
	pool := worker.NewPool(log, worker.WithConcurrency(2))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	out := &sink{}
	subs := event.NewSubscribers(log)
	pub := event.NewPublisher(repo.NewEventRepository(db, log), reg, subs, event.NewInterceptors(), pool, log, out)
	events := event.NewSupervisor("wallet", reg, pub, log)
	u := uow.New(db, log, events)

	steps := request.NewHandlers(reg)
	requests := request.NewSupervisor("wallet", steps, repo.NewRequestRepository(db, log), pool, intercept.New(), log)
	sagas := saga.NewSupervisor("wallet", request.NewHandlers(reg), requests, repo.NewSagaRepository(db, log), pool, intercept.New(), log)

	gen, err := snowflake.NewGenerator(5, 1)
	require.NoError(t, err)
	svc := NewWalletService(u, repo.NewWalletRepository(db, rdb, log), sagas, log, WithIDs(gen))
	require.NoError(t, svc.Register(subs, steps))
	return svc, mock, out, db
}

func TestWalletService_FullFlow(t *testing.T) {
	svc, mock, out, db := newTestService(t)
	ctx := context.Background()

	mock.ExpectSet("balance:1", "100", 5*time.Minute).SetVal("OK")
	mock.ExpectSet("balance:1", "70", 5*time.Minute).SetVal("OK")
	mock.ExpectSet("balance:2", "30", 5*time.Minute).SetVal("OK")
	mock.ExpectGet("balance:1").SetVal("70")
	mock.ExpectGet("balance:2").RedisNil()
	mock.ExpectSet("balance:2", "30", 5*time.Minute).SetVal("OK")

	// deposit creates the wallet
	bal, err := svc.Deposit(ctx, 1, decimal.NewFromInt(100), "init1")
	require.NoError(t, err)
	assert.Equal(t, "100", bal.StringFixed(0))

	// withdraw too much (should fail)
	_, err = svc.Withdraw(ctx, 1, decimal.NewFromInt(130), "w1")
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	// transfer 30
	fromBal, toBal, err := svc.Transfer(ctx, 1, 2, decimal.NewFromInt(30), "tx1")
	require.NoError(t, err)
	assert.Equal(t, "70", fromBal.StringFixed(0))
	assert.Equal(t, "30", toBal.StringFixed(0))

	// same key: both steps find their ledger entries
	fromBal2, toBal2, err := svc.Transfer(ctx, 1, 2, decimal.NewFromInt(30), "tx1")
	require.NoError(t, err)
	assert.True(t, fromBal.Equal(fromBal2))
	assert.True(t, toBal.Equal(toBal2))

	b1, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	b2, err := svc.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "70", b1.StringFixed(0))
	assert.Equal(t, "30", b2.StringFixed(0))

	hist, err := svc.GetHistory(ctx, 1, 10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.TxTransferOut, hist[0].Type)
	assert.Equal(t, model.TxDeposit, hist[1].Type)
	parts := snowflake.Decompose(int64(hist[0].ID))
	assert.Equal(t, int64(5), parts.WorkerID)
	assert.Equal(t, int64(1), parts.DatacenterID)

	changes := out.changes(t)
	require.Len(t, changes, 3)
	assert.Equal(t, model.TxDeposit, changes[0].Kind)
	assert.Equal(t, model.TxTransferOut, changes[1].Kind)
	assert.Equal(t, model.TxTransferIn, changes[2].Kind)
	assert.Equal(t, "tx1", changes[2].Key)

	var delivered int64
	require.NoError(t, db.Model(&model.Event{}).Where("state = ?", retry.StateExecuted).Count(&delivered).Error)
	assert.Equal(t, int64(3), delivered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransfer_InsufficientFundsLeavesSagaForRetry(t *testing.T) {
	svc, _, out, db := newTestService(t)

	_, _, err := svc.Transfer(context.Background(), 7, 8, decimal.NewFromInt(5), "tx-empty")
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	var row model.Saga
	require.NoError(t, db.First(&row).Error)
	sg, err := repo.NewSagaRepository(db, zap.NewNop().Sugar()).GetByUUID(context.Background(), row.UUID)
	require.NoError(t, err)
	assert.Equal(t, retry.StateException, sg.State)
	require.NotNil(t, sg.Process("debit"))
	assert.Equal(t, model.ProcessException, sg.Process("debit").State)
	assert.Nil(t, sg.Process("credit"))
	assert.Empty(t, out.changes(t))
}

func TestTransfer_RejectsBadInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Transfer(ctx, 1, 1, decimal.NewFromInt(1), "k")
	assert.ErrorIs(t, err, ErrSelfTransfer)
	_, err = svc.ScheduleTransfer(ctx, 1, 2, decimal.Zero, "k", time.Now())
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Deposit(ctx, 1, decimal.NewFromInt(-1), "k")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestScheduleTransfer_LaterStaysPending(t *testing.T) {
	svc, _, _, db := newTestService(t)

	id, err := svc.ScheduleTransfer(context.Background(), 1, 2, decimal.NewFromInt(5), "later", time.Now().Add(time.Hour))
	require.NoError(t, err)

	var sg model.Saga
	require.NoError(t, db.Where("uuid = ?", id).First(&sg).Error)
	assert.Equal(t, retry.StateInit, sg.State)
	assert.Equal(t, "wallet.Transfer", sg.SagaType)
}
