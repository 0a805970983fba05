package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the demo aggregate. Events recorded on it are released when the
// unit of work that touched it commits.
type Wallet struct {
	ID        uint64          `gorm:"primaryKey;column:id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`

	pending []any
}

func (Wallet) TableName() string { return "wallet" }

// Record queues evt for release with the wallet.
func (w *Wallet) Record(evt any) { w.pending = append(w.pending, evt) }

func (w *Wallet) PendingEvents() []any { return w.pending }

func (w *Wallet) ClearPendingEvents() { w.pending = nil }
