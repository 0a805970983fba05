package uow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/repo"
)

// Hook runs inside the transaction once entities are persisted.
type Hook interface {
	PostEntitiesPersisted(ctx context.Context, owners []any) error
}

// UnitOfWork runs business code in a transaction and releases what it staged.
type UnitOfWork struct {
	db    *gorm.DB
	hooks []Hook
	log   *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger, hooks ...Hook) *UnitOfWork {
	return &UnitOfWork{db: db, hooks: hooks, log: log}
}

// AddHook appends h; hooks run in registration order.
func (u *UnitOfWork) AddHook(h Hook) { u.hooks = append(u.hooks, h) }

// Do runs fn in a transaction. The ctx passed to fn carries the transaction
// and the staging scope. A nested Do joins the outer unit of work.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if s, ok := ScopeFrom(ctx); ok && s.InTransaction() {
		return fn(ctx)
	}
	s := NewScope()
	s.inTx = true
	defer s.Clear()

	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := repo.WithTx(WithScope(ctx, s), tx)
		if err := fn(txCtx); err != nil {
			return err
		}
		for _, e := range s.takeEntities() {
			if err := tx.Save(e).Error; err != nil {
				return fmt.Errorf("persist %T: %w", e, err)
			}
		}
		owners := s.Owners()
		for _, h := range u.hooks {
			if err := h.PostEntitiesPersisted(txCtx, owners); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	fns := s.takeAfterCommit()
	s.mu.Lock()
	s.inTx = false
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
	return nil
}
