package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/courier/internal/app"
	"github.com/richardliu001/courier/internal/config"
	"github.com/richardliu001/courier/internal/logger"
	"github.com/richardliu001/courier/internal/schedule"
)

func main() {
	path := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// resumed sagas post ledger entries, so the poller leases its own worker id
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("build app: %v", err)
	}
	go func() {
		if err := a.Allocator.Keepalive(ctx, cfg.Snowflake.Heartbeat); err != nil {
			log.Errorw("worker id lease lost, shutting down", "err", err)
			stop()
		}
	}()

	sc := cfg.Schedule
	runner := schedule.NewRunner(a.Locker, schedule.Config{
		BatchSize:      sc.BatchSize,
		Interval:       sc.Interval,
		LockTTL:        sc.LockTTL,
		Retention:      sc.Retention,
		CompensateSpec: sc.CompensateSpec,
		ArchiveSpec:    sc.ArchiveSpec,
	}, log).
		Add("events", a.Events).
		Add("requests", a.Requests).
		Add("sagas", a.Sagas)
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("start sweeps: %v", err)
	}

	log.Info("courier poller started")
	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := runner.Stop(sctx); err != nil {
		log.Errorw("stop sweeps", "err", err)
	}
	if err := a.Close(sctx); err != nil {
		log.Errorw("close app", "err", err)
	}
}
