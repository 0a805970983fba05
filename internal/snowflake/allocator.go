package snowflake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/retry"
)

var (
	// ErrDispatchFailed means no worker slot could be leased. A process that
	// gets it must not generate ids.
	ErrDispatchFailed = errors.New("snowflake: no worker id available")
	ErrLeaseLost      = errors.New("snowflake: worker lease lost")
	ErrNotLeased      = errors.New("snowflake: no worker id leased")
)

const (
	DefaultLeaseFor = 60 * time.Minute
	candidateBatch  = 8
	slotCount       = (MaxDatacenterID + 1) * (MaxWorkerID + 1)
)

// Slot packs a lease key into the value embedded in ids.
func Slot(datacenterID, workerID int64) int64 { return datacenterID<<workerBits | workerID }

// Allocator leases one worker slot per process from the worker_lease table.
// Every write is a conditional UPDATE; contention moves on to the next
// candidate instead of blocking.
type Allocator struct {
	db       *gorm.DB
	owner    string
	leaseFor time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time

	mu   sync.Mutex
	held *model.WorkerLease
}

// NewAllocator leases under owner plus a per-instance suffix, so processes
// configured with the same owner never share a slot.
func NewAllocator(db *gorm.DB, owner string, leaseFor time.Duration, log *zap.SugaredLogger) *Allocator {
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseFor
	}
	return &Allocator{db: db, owner: instanceOwner(owner), leaseFor: leaseFor, log: log, now: retry.Now}
}

func instanceOwner(owner string) string {
	return fmt.Sprintf("%s#%d-%s", owner, os.Getpid(), uuid.NewString()[:8])
}

// Owner is the identity written to dispatched_to.
func (a *Allocator) Owner() string { return a.owner }

// Init fills in missing rows of the key space. Safe to run from every process.
func (a *Allocator) Init(ctx context.Context) error {
	db := a.db.WithContext(ctx)
	var total int64
	if err := db.Model(&model.WorkerLease{}).Count(&total).Error; err != nil {
		return err
	}
	if total >= slotCount {
		return nil
	}
	rows := make([]model.WorkerLease, 0, slotCount)
	for dc := int64(0); dc <= MaxDatacenterID; dc++ {
		for w := int64(0); w <= MaxWorkerID; w++ {
			rows = append(rows, model.WorkerLease{DatacenterID: dc, WorkerID: w, DispatchedAt: retry.Immediately, ExpireAt: retry.Immediately})
		}
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 128).Error
}

// Acquire leases a slot, preferring the given ids when set, and returns the
// packed slot. A process acquires once; later calls return the cached slot.
func (a *Allocator) Acquire(ctx context.Context, workerID, datacenterID *int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held != nil {
		return Slot(a.held.DatacenterID, a.held.WorkerID), nil
	}

	now := a.now()
	db := a.db.WithContext(ctx)
	q := db.Where("(dispatched_to = ? OR expire_at < ?)", a.owner, now)
	if workerID != nil {
		q = q.Where("worker_id = ?", *workerID)
	}
	if datacenterID != nil {
		q = q.Where("datacenter_id = ?", *datacenterID)
	}
	var candidates []model.WorkerLease
	if err := q.Order("expire_at, datacenter_id, worker_id").Limit(candidateBatch).Find(&candidates).Error; err != nil {
		return 0, err
	}

	expireAt := now.Add(a.leaseFor)
	for _, c := range candidates {
		res := db.Model(&model.WorkerLease{}).
			Where("datacenter_id = ? AND worker_id = ? AND dispatched_to = ?", c.DatacenterID, c.WorkerID, c.DispatchedTo).
			Where("(dispatched_to = ? OR expire_at < ?)", a.owner, now).
			Updates(map[string]any{"dispatched_to": a.owner, "dispatched_at": now, "expire_at": expireAt})
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			a.log.Debugw("worker slot taken, trying next", "datacenter", c.DatacenterID, "worker", c.WorkerID)
			continue
		}
		a.held = &model.WorkerLease{
			DatacenterID: c.DatacenterID,
			WorkerID:     c.WorkerID,
			DispatchedTo: a.owner,
			DispatchedAt: now,
			ExpireAt:     expireAt,
		}
		a.log.Infow("worker id leased", "datacenter", c.DatacenterID, "worker", c.WorkerID, "owner", a.owner, "expire_at", expireAt)
		return Slot(c.DatacenterID, c.WorkerID), nil
	}
	return 0, fmt.Errorf("%w: owner %s, %d candidates", ErrDispatchFailed, a.owner, len(candidates))
}

// Held returns the leased slot, if any.
func (a *Allocator) Held() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held == nil {
		return 0, false
	}
	return Slot(a.held.DatacenterID, a.held.WorkerID), true
}

// Pong extends the lease. False means the row is no longer ours and the
// caller should stop generating ids or acquire again.
func (a *Allocator) Pong(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held == nil {
		return false, nil
	}
	expireAt := a.now().Add(a.leaseFor)
	res := a.db.WithContext(ctx).Model(&model.WorkerLease{}).
		Where("datacenter_id = ? AND worker_id = ? AND dispatched_to = ?", a.held.DatacenterID, a.held.WorkerID, a.owner).
		Update("expire_at", expireAt)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		a.held = nil
		return false, nil
	}
	a.held.ExpireAt = expireAt
	return true, nil
}

// Release gives the slot back. It is a no-op when nothing was acquired.
func (a *Allocator) Release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held == nil {
		return nil
	}
	err := a.db.WithContext(ctx).Model(&model.WorkerLease{}).
		Where("datacenter_id = ? AND worker_id = ? AND dispatched_to = ?", a.held.DatacenterID, a.held.WorkerID, a.owner).
		Updates(map[string]any{"dispatched_to": "", "expire_at": retry.Immediately}).Error
	if err != nil {
		return err
	}
	a.log.Infow("worker id released", "datacenter", a.held.DatacenterID, "worker", a.held.WorkerID)
	a.held = nil
	return nil
}

// Keepalive pongs every interval until ctx ends. It returns ErrLeaseLost as
// soon as the lease is gone.
func (a *Allocator) Keepalive(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			ok, err := a.Pong(ctx)
			if err != nil {
				failures++
				a.log.Warnw("worker lease heartbeat failed", "failures", failures, "err", err)
				continue
			}
			if !ok {
				a.log.Errorw("worker lease lost", "owner", a.owner)
				return ErrLeaseLost
			}
			failures = 0
		}
	}
}

// Leases lists slots for the console, leased ones only when active is set.
func (a *Allocator) Leases(ctx context.Context, active bool) ([]model.WorkerLease, error) {
	q := a.db.WithContext(ctx).Order("datacenter_id, worker_id")
	if active {
		q = q.Where("dispatched_to <> '' AND expire_at >= ?", a.now())
	}
	var rows []model.WorkerLease
	err := q.Find(&rows).Error
	return rows, err
}

// InUse returns the packed slots currently leased by anyone.
func (a *Allocator) InUse(ctx context.Context) ([]int64, error) {
	rows, err := a.Leases(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, Slot(r.DatacenterID, r.WorkerID))
	}
	return out, nil
}

// Unlock frees a slot whoever holds it. Operators use it to reclaim slots
// of dead processes before their lease runs out.
func (a *Allocator) Unlock(ctx context.Context, datacenterID, workerID int64) (bool, error) {
	res := a.db.WithContext(ctx).Model(&model.WorkerLease{}).
		Where("datacenter_id = ? AND worker_id = ?", datacenterID, workerID).
		Updates(map[string]any{"dispatched_to": "", "expire_at": retry.Immediately})
	return res.RowsAffected > 0, res.Error
}
