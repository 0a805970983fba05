package service

import "github.com/shopspring/decimal"

// BalanceTopic is where BalanceChanged leaves the process.
const BalanceTopic = "wallet.balance"

type WalletCredited struct {
	WalletID uint64          `json:"wallet_id"`
	Amount   decimal.Decimal `json:"amount"`
	Balance  decimal.Decimal `json:"balance"`
}

func (WalletCredited) TypeName() string { return "wallet.WalletCredited" }

type WalletDebited struct {
	WalletID uint64          `json:"wallet_id"`
	Amount   decimal.Decimal `json:"amount"`
	Balance  decimal.Decimal `json:"balance"`
}

func (WalletDebited) TypeName() string { return "wallet.WalletDebited" }

// BalanceChanged is published to other services for every ledger entry.
type BalanceChanged struct {
	WalletID uint64          `json:"wallet_id"`
	Kind     string          `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	Balance  decimal.Decimal `json:"balance"`
	Key      string          `json:"idempotency_key"`
}

func (BalanceChanged) TypeName() string { return "wallet.BalanceChanged" }

// TransferParam starts the transfer saga.
type TransferParam struct {
	From   uint64          `json:"from"`
	To     uint64          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Key    string          `json:"idempotency_key"`
}

func (TransferParam) TypeName() string { return "wallet.Transfer" }

type TransferResult struct {
	FromBalance decimal.Decimal `json:"from_balance"`
	ToBalance   decimal.Decimal `json:"to_balance"`
}

func (TransferResult) TypeName() string { return "wallet.TransferResult" }

// DebitParam and CreditParam are the two steps of a transfer.
type DebitParam struct {
	WalletID uint64          `json:"wallet_id"`
	Related  uint64          `json:"related"`
	Amount   decimal.Decimal `json:"amount"`
	Key      string          `json:"idempotency_key"`
}

func (DebitParam) TypeName() string { return "wallet.Debit" }

type CreditParam struct {
	WalletID uint64          `json:"wallet_id"`
	Related  uint64          `json:"related"`
	Amount   decimal.Decimal `json:"amount"`
	Key      string          `json:"idempotency_key"`
}

func (CreditParam) TypeName() string { return "wallet.Credit" }

// Posting is the outcome of one step.
type Posting struct {
	WalletID uint64          `json:"wallet_id"`
	Balance  decimal.Decimal `json:"balance"`
}

func (Posting) TypeName() string { return "wallet.Posting" }
