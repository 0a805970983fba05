package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/courier/internal/app"
	"github.com/richardliu001/courier/internal/config"
	"github.com/richardliu001/courier/internal/logger"
	httptransport "github.com/richardliu001/courier/internal/transport/http"
)

func main() {
	path := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	// 1. load config
	cfg, err := config.Load(*path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. postgres, redis, worker id, supervisors
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("build app: %v", err)
	}

	// 4. keep the worker id; losing it means ids may collide, so shut down
	go func() {
		if err := a.Allocator.Keepalive(ctx, cfg.Snowflake.Heartbeat); err != nil {
			log.Errorw("worker id lease lost, shutting down", "err", err)
			stop()
		}
	}()

	// 5. gin router
	console := &httptransport.Console{
		Events:       a.EventStore,
		EventRetry:   a.Publisher,
		Requests:     a.RequestStore,
		RequestRetry: a.Requests,
		Sagas:        a.SagaStore,
		SagaRetry:    a.Sagas,
		Leases:       a.Allocator,
		Lockers:      a.Locker,
	}
	router := httptransport.NewRouter(a.Wallet, console, cfg.RateLimit, log)

	// 6. serve
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		log.Infof("courier server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Errorw("http shutdown", "err", err)
	}
	if err := a.Close(sctx); err != nil {
		log.Errorw("close app", "err", err)
	}
}
