package repo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/retry"
)

var (
	// ErrNotFound wraps gorm.ErrRecordNotFound for callers outside this package.
	ErrNotFound = errors.New("record not found")
	// ErrOptimisticLock is returned when the version guard matched no row.
	ErrOptimisticLock = errors.New("optimistic lock conflict")
)

type txKey struct{}

// WithTx binds tx to ctx so repositories join the caller's transaction.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom returns the transaction bound to ctx, if any.
func TxFrom(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// Conn returns the transaction bound to ctx or db.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := TxFrom(ctx); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// Filter narrows console queries. Zero fields match everything.
type Filter struct {
	UUID         string
	Type         string
	States       []retry.State
	ScheduleFrom time.Time
	ScheduleTo   time.Time
	Page         int
	Size         int
}

// Page is one page of a console query.
type Page[T any] struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Items []T   `json:"items"`
}

var validStates = []retry.State{retry.StateInit, retry.StateExecuting, retry.StateException}

type base struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// DB returns the connection for ctx.
func (b base) DB(ctx context.Context) *gorm.DB { return Conn(ctx, b.db) }

// save inserts new rows and updates existing ones under the version guard.
func save(db *gorm.DB, row any, id uint64, version *uint64) error {
	if id == 0 {
		return db.Create(row).Error
	}
	old := *version
	*version = old + 1
	res := db.Model(row).Where("version = ?", old).Select("*").Updates(row)
	if res.Error != nil {
		*version = old
		return res.Error
	}
	if res.RowsAffected == 0 {
		*version = old
		return ErrOptimisticLock
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func search[T any](db *gorm.DB, uuidCol, typeCol string, f Filter) (Page[T], error) {
	if f.Size <= 0 || f.Size > 500 {
		f.Size = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	build := func() *gorm.DB {
		q := db.Model(new(T))
		if f.UUID != "" {
			q = q.Where(uuidCol+" = ?", f.UUID)
		}
		if f.Type != "" {
			q = q.Where(typeCol+" = ?", f.Type)
		}
		if len(f.States) > 0 {
			q = q.Where("state IN ?", f.States)
		}
		if !f.ScheduleFrom.IsZero() {
			q = q.Where("created_at >= ?", f.ScheduleFrom)
		}
		if !f.ScheduleTo.IsZero() {
			q = q.Where("created_at < ?", f.ScheduleTo)
		}
		return q
	}
	p := Page[T]{Page: f.Page, Size: f.Size}
	if err := build().Count(&p.Total).Error; err != nil {
		return p, err
	}
	err := build().Order("created_at DESC").Offset((f.Page - 1) * f.Size).Limit(f.Size).Find(&p.Items).Error
	return p, err
}

func dueQuery(db *gorm.DB, svc string, maxNextTryAt time.Time, limit int) *gorm.DB {
	return db.Where("svc_name = ? AND next_try_at < ? AND state IN ?", svc, maxNextTryAt, validStates).
		Order("next_try_at").Limit(limit)
}

func expiredQuery(db *gorm.DB, svc string, maxExpireAt time.Time, limit int) *gorm.DB {
	return db.Where("svc_name = ? AND expire_at < ?", svc, maxExpireAt).Order("id").Limit(limit)
}
