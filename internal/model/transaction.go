package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry kinds.
const (
	TxDeposit     = "DEPOSIT"
	TxWithdraw    = "WITHDRAW"
	TxTransferOut = "TRANSFER_OUT"
	TxTransferIn  = "TRANSFER_IN"
)

type Transaction struct {
	ID              uint64          `gorm:"primaryKey" json:"id"`
	WalletID        uint64          `gorm:"not null;index" json:"wallet_id"`
	Type            string          `gorm:"size:32;not null" json:"type"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	BalanceBefore   decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"balance_before"`
	BalanceAfter    decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"balance_after"`
	RelatedWalletID *uint64         `json:"related_wallet_id,omitempty"`
	IdempotencyKey  *string         `gorm:"size:64" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Transaction) TableName() string { return "transaction" }
