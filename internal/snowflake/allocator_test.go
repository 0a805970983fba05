package snowflake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/retry"
	"github.com/richardliu001/courier/internal/testdb"
)

func newAllocator(db *gorm.DB, owner string) *Allocator {
	return NewAllocator(db, owner, 10*time.Minute, zap.NewNop().Sugar())
}

func ptr(v int64) *int64 { return &v }

func TestInit_FillsKeySpaceOnce(t *testing.T) {
	db := testdb.Open(t)
	a := newAllocator(db, "host-a")
	require.NoError(t, a.Init(context.Background()))
	require.NoError(t, a.Init(context.Background()))

	var n int64
	require.NoError(t, db.Model(&model.WorkerLease{}).Count(&n).Error)
	assert.Equal(t, int64(1024), n)
}

func TestAcquire_PreferredAndCached(t *testing.T) {
	db := testdb.Open(t)
	a := newAllocator(db, "host-a")
	require.NoError(t, a.Init(context.Background()))

	slot, err := a.Acquire(context.Background(), ptr(5), ptr(2))
	require.NoError(t, err)
	assert.Equal(t, Slot(2, 5), slot)

	again, err := a.Acquire(context.Background(), ptr(9), nil)
	require.NoError(t, err)
	assert.Equal(t, slot, again)

	// the slot is no longer available to others
	_, err = newAllocator(db, "host-b").Acquire(context.Background(), ptr(5), ptr(2))
	assert.ErrorIs(t, err, ErrDispatchFailed)
}

func TestAcquire_SameOwnerNeverSharesSlot(t *testing.T) {
	db := testdb.Open(t)
	server := newAllocator(db, "host-a")
	poller := newAllocator(db, "host-a")
	require.NoError(t, server.Init(context.Background()))
	assert.NotEqual(t, server.Owner(), poller.Owner())
	assert.True(t, strings.HasPrefix(server.Owner(), "host-a#"))

	slot, err := server.Acquire(context.Background(), nil, ptr(0))
	require.NoError(t, err)
	other, err := poller.Acquire(context.Background(), nil, ptr(0))
	require.NoError(t, err)
	assert.NotEqual(t, slot, other)

	// a preferred slot held by the same configured owner is not handed out twice
	_, err = newAllocator(db, "host-a").Acquire(context.Background(), ptr(slot&31), ptr(slot>>5))
	assert.ErrorIs(t, err, ErrDispatchFailed)
}

func TestAcquire_RaceForFewSlots(t *testing.T) {
	db := testdb.Open(t)
	seed := newAllocator(db, "seed")
	require.NoError(t, seed.Init(context.Background()))
	// leave three slots free
	require.NoError(t, db.Model(&model.WorkerLease{}).
		Where("NOT (datacenter_id = 0 AND worker_id IN ?)", []int64{1, 2, 3}).
		Updates(map[string]any{"dispatched_to": "someone", "expire_at": retry.Now().Add(time.Hour)}).Error)

	const racers = 10
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		slots = map[int64]string{}
		fails int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := newAllocator(db, fmt.Sprintf("host-%d", i))
			slot, err := a.Acquire(context.Background(), nil, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrDispatchFailed)
				fails++
				return
			}
			_, dup := slots[slot]
			assert.False(t, dup, "slot %d leased twice", slot)
			slots[slot] = a.Owner()
		}(i)
	}
	wg.Wait()

	assert.Len(t, slots, 3)
	assert.Equal(t, racers-3, fails)
	for slot, owner := range slots {
		var row model.WorkerLease
		require.NoError(t, db.Where("datacenter_id = ? AND worker_id = ?", slot>>5, slot&31).First(&row).Error)
		assert.Equal(t, owner, row.DispatchedTo)
	}
}

func TestAcquire_ReclaimsExpiredLease(t *testing.T) {
	db := testdb.Open(t)
	a := newAllocator(db, "host-a")
	require.NoError(t, a.Init(context.Background()))
	require.NoError(t, db.Model(&model.WorkerLease{}).Where("1 = 1").
		Updates(map[string]any{"dispatched_to": "dead", "expire_at": retry.Now().Add(time.Hour)}).Error)
	require.NoError(t, db.Model(&model.WorkerLease{}).Where("datacenter_id = 4 AND worker_id = 4").
		Update("expire_at", retry.Now().Add(-time.Minute)).Error)

	slot, err := a.Acquire(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Slot(4, 4), slot)
}

func TestPongAndRelease(t *testing.T) {
	db := testdb.Open(t)
	a := newAllocator(db, "host-a")
	ok, err := a.Pong(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, a.Release(context.Background()))

	require.NoError(t, a.Init(context.Background()))
	slot, err := a.Acquire(context.Background(), ptr(1), ptr(1))
	require.NoError(t, err)

	ok, err = a.Pong(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	inUse, err := a.InUse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{slot}, inUse)

	require.NoError(t, a.Release(context.Background()))
	_, held := a.Held()
	assert.False(t, held)
	inUse, err = a.InUse(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inUse)
}

func TestUnlock_LosesLease(t *testing.T) {
	db := testdb.Open(t)
	a := newAllocator(db, "host-a")
	require.NoError(t, a.Init(context.Background()))
	_, err := a.Acquire(context.Background(), ptr(3), ptr(0))
	require.NoError(t, err)

	ok, err := newAllocator(db, "operator").Unlock(context.Background(), 0, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Pong(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = a.Acquire(ctx, ptr(3), ptr(0))
	require.NoError(t, err)
	assert.NoError(t, a.Keepalive(ctx, 5*time.Millisecond))
}

func TestKeepalive_ReportsLostLease(t *testing.T) {
	db := testdb.Open(t)
	a := newAllocator(db, "host-a")
	require.NoError(t, a.Init(context.Background()))
	_, err := a.Acquire(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.WorkerLease{}).Where("dispatched_to = ?", a.Owner()).
		Update("dispatched_to", "thief").Error)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, a.Keepalive(ctx, 5*time.Millisecond), ErrLeaseLost)
}
