package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/retry"
	"github.com/richardliu001/courier/internal/testdb"
)

func newEvent(uuid, svc string, at time.Time, st retry.State) *model.Event {
	e := &model.Event{UUID: uuid, SvcName: svc, EventType: "orders", DataType: "shop.OrderShipped", Data: "{}"}
	e.Init(at, time.Hour, 3, 1, nil)
	e.State = st
	return e
}

func TestSave_OptimisticLock(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t)
	store := NewEventRepository(db, zap.NewNop().Sugar())
	require.NoError(t, store.Save(ctx, newEvent("e-1", "svc", retry.Now(), retry.StateExecuting)))

	a, err := store.GetByUUID(ctx, "e-1")
	require.NoError(t, err)
	b, err := store.GetByUUID(ctx, "e-1")
	require.NoError(t, err)

	a.End(retry.Now())
	require.NoError(t, store.Save(ctx, a))
	assert.Equal(t, uint64(1), a.Version)

	b.Cancel(retry.Now())
	assert.ErrorIs(t, store.Save(ctx, b), ErrOptimisticLock)
	assert.Equal(t, uint64(0), b.Version)

	got, err := store.GetByUUID(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, retry.StateExecuted, got.State)
}

func TestGetByUUID_NotFound(t *testing.T) {
	store := NewRequestRepository(testdb.Open(t), zap.NewNop().Sugar())
	_, err := store.GetByUUID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByNextTryTime_OnlyDueValidRecordsOfService(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t)
	store := NewEventRepository(db, zap.NewNop().Sugar())
	now := retry.Now()
	past := now.Add(-time.Hour)

	require.NoError(t, store.Save(ctx, newEvent("due-exc", "svc", past, retry.StateException)))
	require.NoError(t, store.Save(ctx, newEvent("due-init", "svc", past.Add(time.Minute), retry.StateInit)))
	require.NoError(t, store.Save(ctx, newEvent("done", "svc", past, retry.StateExecuted)))
	require.NoError(t, store.Save(ctx, newEvent("other-svc", "other", past, retry.StateException)))
	require.NoError(t, store.Save(ctx, newEvent("future", "svc", now.Add(time.Hour), retry.StateInit)))

	due, err := store.GetByNextTryTime(ctx, "svc", now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-exc", due[0].UUID)
	assert.Equal(t, "due-init", due[1].UUID)

	due, err = store.GetByNextTryTime(ctx, "svc", now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestSagaRepository_ProcessesRoundTripAndArchive(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t)
	store := NewSagaRepository(db, zap.NewNop().Sugar())
	now := retry.Now()

	sg := &model.Saga{UUID: "s-1", SvcName: "svc", SagaType: "t", ParamType: "t", Param: "{}"}
	sg.Init(now.Add(-2*time.Hour), time.Hour, 3, 0, nil)
	sg.BeginProcess(now, "debit", "p", "{}")
	sg.EndProcess(now, "debit", "r", `{"ok":true}`)
	sg.BeginProcess(now, "credit", "p", "{}")
	require.NoError(t, store.Save(ctx, sg))

	got, err := store.GetByUUID(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got.Processes, 2)
	assert.Equal(t, model.ProcessExecuted, got.Process("debit").State)
	assert.Equal(t, model.ProcessExecuting, got.Process("credit").State)

	n, err := store.ArchiveByExpireAt(ctx, "svc", now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.GetByUUID(ctx, "s-1")
	assert.ErrorIs(t, err, ErrNotFound)

	var archived, archivedProcs int64
	require.NoError(t, db.Model(&model.ArchivedSaga{}).Count(&archived).Error)
	require.NoError(t, db.Model(&model.ArchivedSagaProcess{}).Count(&archivedProcs).Error)
	assert.Equal(t, int64(1), archived)
	assert.Equal(t, int64(2), archivedProcs)
}

func TestSagaRepository_FailedSaveCanBeRepeated(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t)
	store := NewSagaRepository(db, zap.NewNop().Sugar())
	const failing = "courier_test:fail_credit"
	require.NoError(t, db.Callback().Create().After("gorm:create").Register(failing, func(tx *gorm.DB) {
		if p, ok := tx.Statement.Dest.(*model.SagaProcess); ok && p.ProcessCode == "credit" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	now := retry.Now()
	sg := &model.Saga{UUID: "s-retry", SvcName: "svc", SagaType: "t", ParamType: "t", Param: "{}"}
	sg.Init(now, time.Hour, 3, 0, nil)
	sg.BeginProcess(now, "debit", "p", "{}")
	sg.BeginProcess(now, "credit", "p", "{}")

	require.Error(t, store.Save(ctx, sg))
	assert.Zero(t, sg.ID)
	assert.Zero(t, sg.Version)
	assert.Zero(t, sg.Process("debit").ID)
	assert.Zero(t, sg.Process("credit").ID)

	require.NoError(t, db.Callback().Create().Remove(failing))
	require.NoError(t, store.Save(ctx, sg))
	got, err := store.GetByUUID(ctx, "s-retry")
	require.NoError(t, err)
	require.Len(t, got.Processes, 2)
	assert.Equal(t, "debit", got.Processes[0].ProcessCode)
	assert.Equal(t, got.ID, got.Processes[1].SagaID)
}

func TestSearch_Pages(t *testing.T) {
	ctx := context.Background()
	store := NewEventRepository(testdb.Open(t), zap.NewNop().Sugar())
	base := retry.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, newEvent(id, "svc", base.Add(time.Duration(i)*time.Minute), retry.StateInit)))
	}

	page, err := store.Search(ctx, Filter{Page: 2, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].UUID)

	page, err = store.Search(ctx, Filter{ScheduleFrom: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 20, page.Size)
}

func TestOptimisticLock_ConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t)
	rdb, _ := redismock.NewClientMock()
	repo := NewWalletRepository(db, rdb, zap.NewNop().Sugar())
	require.NoError(t, repo.CreateWallet(ctx, &model.Wallet{ID: 1, Balance: decimal.NewFromInt(100)}))

	// two readers of the same version; only the first writer wins
	first, err := repo.GetWallet(ctx, 1)
	require.NoError(t, err)
	second, err := repo.GetWallet(ctx, 1)
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		return repo.UpdateWallet(WithTx(ctx, tx), first, first.Balance.Add(decimal.NewFromInt(10)))
	})
	require.NoError(t, err)
	err = db.Transaction(func(tx *gorm.DB) error {
		return repo.UpdateWallet(WithTx(ctx, tx), second, second.Balance.Add(decimal.NewFromInt(10)))
	})
	assert.ErrorIs(t, err, ErrOptimisticLock)

	final, err := repo.GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.True(t, final.Balance.Equal(decimal.NewFromInt(110)))
	assert.Equal(t, uint64(1), final.Version)
}
