package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mw "github.com/richardliu001/courier/http"
	"github.com/richardliu001/courier/internal/config"
)

// NewRouter serves the wallet API and, when console is set, the operator console.
func NewRouter(wallet Wallet, console *Console, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(mw.RecoveryMiddleware(log))
	r.Use(mw.LoggingMiddleware(log))
	r.Use(mw.RateLimitMiddleware(rl.RPS, rl.Burst))
	if wallet != nil {
		RegisterHandlers(r, wallet)
	}
	if console != nil {
		RegisterConsole(r, console)
	}
	return r
}
