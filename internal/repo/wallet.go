package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/courier/internal/model"
)

// ErrInsufficientFunds is returned when wallet balance is not enough.
var ErrInsufficientFunds = errors.New("insufficient funds")

// WalletRepository backs the wallet demo service. Calls join the transaction bound to ctx.
type WalletRepository struct {
	base
	rdb *redis.Client
}

func NewWalletRepository(db *gorm.DB, rdb *redis.Client, log *zap.SugaredLogger) *WalletRepository {
	return &WalletRepository{base: base{db: db, log: log}, rdb: rdb}
}

// GetWalletForUpdate locks the wallet row.
func (r *WalletRepository) GetWalletForUpdate(ctx context.Context, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.DB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (r *WalletRepository) GetWallet(ctx context.Context, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.DB(ctx).Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (r *WalletRepository) CreateWallet(ctx context.Context, w *model.Wallet) error {
	return r.DB(ctx).Create(w).Error
}

// UpdateWallet with optimistic lock.
func (r *WalletRepository) UpdateWallet(ctx context.Context, w *model.Wallet, newBalance decimal.Decimal) error {
	res := r.DB(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", w.ID, w.Version).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    w.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	w.Balance = newBalance
	w.Version++
	return nil
}

func (r *WalletRepository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	return r.DB(ctx).Create(t).Error
}

// TxExists checks duplicate by idem key.
func (r *WalletRepository) TxExists(ctx context.Context, walletID uint64, idemKey, txType string) (*model.Transaction, error) {
	if idemKey == "" {
		return nil, nil
	}
	var t model.Transaction
	err := r.DB(ctx).Where("wallet_id=? AND idempotency_key=? AND type=?", walletID, idemKey, txType).First(&t).Error
	if err == nil {
		return &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

func (r *WalletRepository) History(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.DB(ctx).Where("wallet_id = ? AND created_at >= ?", walletID, since).
		Order("id DESC").Limit(limit).Find(&txs).Error
	return txs, err
}

// CacheBalance writes Redis.
func (r *WalletRepository) CacheBalance(ctx context.Context, walletID uint64, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, balanceKey(walletID), bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *WalletRepository) GetCachedBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, balanceKey(walletID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

func balanceKey(walletID uint64) string { return fmt.Sprintf("balance:%d", walletID) }
