package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/repo"
	"github.com/richardliu001/courier/internal/service"
)

// Wallet is the demo service behind /v1/wallets.
type Wallet interface {
	Deposit(ctx context.Context, id uint64, amt decimal.Decimal, key string) (decimal.Decimal, error)
	Withdraw(ctx context.Context, id uint64, amt decimal.Decimal, key string) (decimal.Decimal, error)
	Transfer(ctx context.Context, fromID, toID uint64, amt decimal.Decimal, key string) (decimal.Decimal, decimal.Decimal, error)
	ScheduleTransfer(ctx context.Context, fromID, toID uint64, amt decimal.Decimal, key string, at time.Time) (string, error)
	GetBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error)
	GetHistory(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.Transaction, error)
}

func RegisterHandlers(r gin.IRouter, svc Wallet) {
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets/:id/deposit", depositHandler(svc))
		v1.POST("/wallets/:id/withdraw", withdrawHandler(svc))
		v1.POST("/wallets/:id/transfer", transferHandler(svc))
		v1.GET("/wallets/:id/balance", balanceHandler(svc))
		v1.GET("/wallets/:id/history", historyHandler(svc))
	}
}

type amountReq struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

type transferReq struct {
	ToID           string `json:"to_id" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	RunAt          string `json:"run_at"`
}

func walletID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, badRequest("invalid wallet id %q", c.Param("id"))
	}
	return id, nil
}

func parseAmount(v string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, badRequest("invalid amount")
	}
	return amt, nil
}

// walletFail maps business errors to 400 before the generic mapping.
func walletFail(c *gin.Context, err error) {
	if errors.Is(err, service.ErrInvalidAmount) || errors.Is(err, service.ErrSelfTransfer) ||
		errors.Is(err, repo.ErrInsufficientFunds) {
		err = badRequest("%s", err.Error())
	}
	fail(c, err)
}

type postFunc func(ctx context.Context, id uint64, amt decimal.Decimal, key string) (decimal.Decimal, error)

func postingHandler(post postFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, badRequest("%s", err.Error()))
			return
		}
		id, err := walletID(c)
		if err != nil {
			fail(c, err)
			return
		}
		amt, err := parseAmount(req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		bal, err := post(c, id, amt, req.IdempotencyKey)
		if err != nil {
			walletFail(c, err)
			return
		}
		ok(c, gin.H{"balance": bal})
	}
}

func depositHandler(svc Wallet) gin.HandlerFunc  { return postingHandler(svc.Deposit) }
func withdrawHandler(svc Wallet) gin.HandlerFunc { return postingHandler(svc.Withdraw) }

func transferHandler(svc Wallet) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, badRequest("%s", err.Error()))
			return
		}
		fromID, err := walletID(c)
		if err != nil {
			fail(c, err)
			return
		}
		toID, err := strconv.ParseUint(req.ToID, 10, 64)
		if err != nil {
			fail(c, badRequest("invalid to_id"))
			return
		}
		amt, err := parseAmount(req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		if req.RunAt != "" {
			at, err := time.Parse(time.RFC3339, req.RunAt)
			if err != nil {
				fail(c, badRequest("invalid run_at"))
				return
			}
			id, err := svc.ScheduleTransfer(c, fromID, toID, amt, req.IdempotencyKey, at)
			if err != nil {
				walletFail(c, err)
				return
			}
			ok(c, gin.H{"saga": id})
			return
		}
		fromBal, toBal, err := svc.Transfer(c, fromID, toID, amt, req.IdempotencyKey)
		if err != nil {
			walletFail(c, err)
			return
		}
		ok(c, gin.H{"from_balance": fromBal, "to_balance": toBal})
	}
}

func balanceHandler(svc Wallet) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := walletID(c)
		if err != nil {
			fail(c, err)
			return
		}
		bal, err := svc.GetBalance(c, id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"balance": bal})
	}
}

func historyHandler(svc Wallet) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := walletID(c)
		if err != nil {
			fail(c, err)
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 {
			fail(c, badRequest("invalid limit"))
			return
		}
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			fail(c, badRequest("invalid since"))
			return
		}
		txs, err := svc.GetHistory(c, id, limit, since)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, txs)
	}
}
