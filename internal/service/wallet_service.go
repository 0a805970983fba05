package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/codec"
	"github.com/richardliu001/courier/internal/event"
	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/repo"
	"github.com/richardliu001/courier/internal/request"
	"github.com/richardliu001/courier/internal/saga"
	"github.com/richardliu001/courier/internal/uow"
)

var (
	// ErrInvalidAmount means non-positive amount passed.
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrSelfTransfer  = errors.New("cannot transfer to self")
)

// WalletService runs every balance change in a unit of work. The wallet
// records its own events; transfers run as a saga of a debit and a credit.
type WalletService struct {
	uow   *uow.UnitOfWork
	repo  *repo.WalletRepository
	sagas *saga.Supervisor
	ids   IDSource
	log   *zap.SugaredLogger
}

// IDSource hands out ledger entry ids; *snowflake.Generator is one.
type IDSource interface {
	Next() (int64, error)
}

type Option func(*WalletService)

// WithIDs assigns ledger ids from src instead of the database sequence.
func WithIDs(src IDSource) Option { return func(s *WalletService) { s.ids = src } }

func NewWalletService(u *uow.UnitOfWork, r *repo.WalletRepository, sagas *saga.Supervisor, log *zap.SugaredLogger, opts ...Option) *WalletService {
	s := &WalletService{uow: u, repo: r, sagas: sagas, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the wallet types to the registry behind steps, binds the
// transfer saga and its steps, and subscribes the balance cache.
func (s *WalletService) Register(subs *event.Subscribers, steps *request.Handlers) error {
	err := steps.Registry().Register(
		codec.Of[WalletCredited](),
		codec.Of[WalletDebited](),
		codec.Of[BalanceChanged](codec.Integration(BalanceTopic)),
	)
	if err != nil {
		return err
	}
	if err := request.Register(steps, s.debit); err != nil {
		return err
	}
	if err := request.Register(steps, s.credit); err != nil {
		return err
	}
	if err := request.Register(s.sagas.Handlers(), s.transfer); err != nil {
		return err
	}
	event.On(subs, func(ctx context.Context, e *WalletCredited) error {
		s.cache(ctx, e.WalletID, e.Balance)
		return nil
	})
	event.On(subs, func(ctx context.Context, e *WalletDebited) error {
		s.cache(ctx, e.WalletID, e.Balance)
		return nil
	})
	return nil
}

// Deposit adds money; auto-creates wallet if absent.
func (s *WalletService) Deposit(ctx context.Context, id uint64, amt decimal.Decimal, key string) (decimal.Decimal, error) {
	if !amt.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	var bal decimal.Decimal
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		var err error
		bal, err = s.post(ctx, id, 0, model.TxDeposit, amt, key)
		return err
	})
	return bal, err
}

// Withdraw subtracts money.
func (s *WalletService) Withdraw(ctx context.Context, id uint64, amt decimal.Decimal, key string) (decimal.Decimal, error) {
	if !amt.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	var bal decimal.Decimal
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		var err error
		bal, err = s.post(ctx, id, 0, model.TxWithdraw, amt, key)
		return err
	})
	return bal, err
}

// Transfer moves money between wallets and waits for the saga to finish.
func (s *WalletService) Transfer(ctx context.Context, fromID, toID uint64, amt decimal.Decimal, key string) (decimal.Decimal, decimal.Decimal, error) {
	p, err := transferParam(fromID, toID, amt, key)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	res, err := s.sagas.Send(ctx, p)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	r, ok := res.(*TransferResult)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("transfer: unexpected result %T", res)
	}
	return r.FromBalance, r.ToBalance, nil
}

// ScheduleTransfer records a transfer to run at at and returns the saga uuid.
func (s *WalletService) ScheduleTransfer(ctx context.Context, fromID, toID uint64, amt decimal.Decimal, key string, at time.Time) (string, error) {
	p, err := transferParam(fromID, toID, amt, key)
	if err != nil {
		return "", err
	}
	return s.sagas.Schedule(ctx, p, at)
}

func transferParam(fromID, toID uint64, amt decimal.Decimal, key string) (*TransferParam, error) {
	if !amt.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}
	return &TransferParam{From: fromID, To: toID, Amount: amt, Key: key}, nil
}

func (s *WalletService) transfer(ctx context.Context, p *TransferParam) (*TransferResult, error) {
	out, err := saga.SendProcessAs[Posting](ctx, s.sagas, "debit",
		&DebitParam{WalletID: p.From, Related: p.To, Amount: p.Amount, Key: p.Key})
	if err != nil {
		return nil, err
	}
	in, err := saga.SendProcessAs[Posting](ctx, s.sagas, "credit",
		&CreditParam{WalletID: p.To, Related: p.From, Amount: p.Amount, Key: p.Key})
	if err != nil {
		return nil, err
	}
	return &TransferResult{FromBalance: out.Balance, ToBalance: in.Balance}, nil
}

func (s *WalletService) debit(ctx context.Context, p *DebitParam) (*Posting, error) {
	var bal decimal.Decimal
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		var err error
		bal, err = s.post(ctx, p.WalletID, p.Related, model.TxTransferOut, p.Amount, p.Key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Posting{WalletID: p.WalletID, Balance: bal}, nil
}

func (s *WalletService) credit(ctx context.Context, p *CreditParam) (*Posting, error) {
	var bal decimal.Decimal
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		var err error
		bal, err = s.post(ctx, p.WalletID, p.Related, model.TxTransferIn, p.Amount, p.Key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Posting{WalletID: p.WalletID, Balance: bal}, nil
}

// post writes one ledger entry under the wallet's row lock. A repeated
// idempotency key returns the balance recorded the first time.
func (s *WalletService) post(ctx context.Context, walletID, related uint64, kind string, amt decimal.Decimal, key string) (decimal.Decimal, error) {
	prev, err := s.repo.TxExists(ctx, walletID, key, kind)
	if err != nil {
		return decimal.Zero, err
	}
	if prev != nil {
		return prev.BalanceAfter, nil
	}

	credit := kind == model.TxDeposit || kind == model.TxTransferIn
	w, err := s.repo.GetWalletForUpdate(ctx, walletID)
	switch {
	case errors.Is(err, repo.ErrNotFound) && credit:
		w = &model.Wallet{ID: walletID, Balance: decimal.Zero}
		if err := s.repo.CreateWallet(ctx, w); err != nil {
			return decimal.Zero, err
		}
	case errors.Is(err, repo.ErrNotFound):
		return decimal.Zero, repo.ErrInsufficientFunds
	case err != nil:
		return decimal.Zero, err
	}

	before := w.Balance
	after := before.Add(amt)
	if !credit {
		if before.LessThan(amt) {
			return decimal.Zero, repo.ErrInsufficientFunds
		}
		after = before.Sub(amt)
	}
	if err := s.repo.UpdateWallet(ctx, w, after); err != nil {
		return decimal.Zero, err
	}
	t := &model.Transaction{
		WalletID: walletID, Type: kind, Amount: amt,
		BalanceBefore: before, BalanceAfter: after,
	}
	if related != 0 {
		t.RelatedWalletID = &related
	}
	if key != "" {
		t.IdempotencyKey = &key
	}
	if s.ids != nil {
		id, err := s.ids.Next()
		if err != nil {
			return decimal.Zero, fmt.Errorf("ledger id: %w", err)
		}
		t.ID = uint64(id)
	}
	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return decimal.Zero, err
	}

	if credit {
		w.Record(&WalletCredited{WalletID: walletID, Amount: amt, Balance: after})
	} else {
		w.Record(&WalletDebited{WalletID: walletID, Amount: amt, Balance: after})
	}
	w.Record(&BalanceChanged{WalletID: walletID, Kind: kind, Amount: amt, Balance: after, Key: key})
	if scope, ok := uow.ScopeFrom(ctx); ok {
		scope.Track(w)
	}
	return after, nil
}

func (s *WalletService) cache(ctx context.Context, walletID uint64, bal decimal.Decimal) {
	if err := s.repo.CacheBalance(ctx, walletID, bal); err != nil {
		s.log.Warnw("cache balance", "wallet", walletID, "err", err)
	}
}

// GetBalance returns current wallet balance.
func (s *WalletService) GetBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, walletID)
	if err == nil {
		return bal, nil
	}
	w, err := s.repo.GetWallet(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	s.cache(ctx, walletID, w.Balance)
	return w.Balance, nil
}

// GetHistory fetches recent transactions, newest first.
func (s *WalletService) GetHistory(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.Transaction, error) {
	return s.repo.History(ctx, walletID, limit, since)
}
