// Package app assembles the service from config. The server and the poller
// build the same graph so sweeps can replay what the server recorded.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/codec"
	"github.com/richardliu001/courier/internal/config"
	"github.com/richardliu001/courier/internal/event"
	"github.com/richardliu001/courier/internal/intercept"
	"github.com/richardliu001/courier/internal/locker"
	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/repo"
	"github.com/richardliu001/courier/internal/request"
	"github.com/richardliu001/courier/internal/saga"
	"github.com/richardliu001/courier/internal/service"
	"github.com/richardliu001/courier/internal/snowflake"
	"github.com/richardliu001/courier/internal/transport/callback"
	"github.com/richardliu001/courier/internal/transport/kafka"
	"github.com/richardliu001/courier/internal/transport/rabbitmq"
	"github.com/richardliu001/courier/internal/uow"
	"github.com/richardliu001/courier/internal/worker"
)

type App struct {
	Cfg *config.Config
	Log *zap.SugaredLogger

	DB    *gorm.DB
	Redis *redis.Client
	Pool  *worker.Pool

	Events    *event.Supervisor
	Publisher *event.Publisher
	Requests  *request.Supervisor
	Sagas     *saga.Supervisor
	Wallet    *service.WalletService

	EventStore   *repo.EventRepository
	RequestStore *repo.RequestRepository
	SagaStore    *repo.SagaRepository

	Allocator *snowflake.Allocator
	IDs       *snowflake.Generator
	Locker    *locker.RedisLocker

	closers []func() error
}

// New connects to postgres and redis, leases a worker id and wires the
// supervisors, transports and the wallet demo.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}
	if err := a.connect(ctx); err != nil {
		return nil, a.fail(ctx, err)
	}
	if err := a.lease(ctx); err != nil {
		return nil, a.fail(ctx, err)
	}
	if err := a.wire(); err != nil {
		return nil, a.fail(ctx, err)
	}
	return a, nil
}

func (a *App) fail(ctx context.Context, err error) error {
	return multierr.Append(err, a.Close(ctx))
}

func (a *App) connect(ctx context.Context) error {
	gdb, err := gorm.Open(postgres.Open(a.Cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("postgres handle: %w", err)
	}
	a.closers = append(a.closers, sqlDB.Close)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := gdb.AutoMigrate(model.Tables()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	a.DB = gdb

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     a.Cfg.Redis.Addr,
		Password: a.Cfg.Redis.Password,
		DB:       a.Cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.Redis.Close)
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	a.Locker = locker.NewRedisLocker(a.Redis, a.Log)
	return nil
}

func (a *App) lease(ctx context.Context) error {
	sf := a.Cfg.Snowflake
	a.Allocator = snowflake.NewAllocator(a.DB, sf.Owner, sf.LeaseFor, a.Log)
	if err := a.Allocator.Init(ctx); err != nil {
		return fmt.Errorf("init worker leases: %w", err)
	}
	slot, err := a.Allocator.Acquire(ctx, sf.WorkerID, sf.DatacenterID)
	if err != nil {
		return fmt.Errorf("acquire worker id: %w", err)
	}
	a.IDs, err = snowflake.FromSlot(slot)
	if err != nil {
		return err
	}
	a.Log.Infow("worker id leased", "slot", slot, "owner", a.Allocator.Owner())
	return nil
}

func (a *App) wire() error {
	cfg, log := a.Cfg, a.Log
	svc := cfg.Courier.Service
	a.Pool = worker.NewPool(log, worker.WithConcurrency(cfg.Courier.Workers))

	transports, err := a.transports()
	if err != nil {
		return err
	}

	reg := codec.NewRegistry()
	subs := event.NewSubscribers(log)
	a.EventStore = repo.NewEventRepository(a.DB, log)
	a.RequestStore = repo.NewRequestRepository(a.DB, log)
	a.SagaStore = repo.NewSagaRepository(a.DB, log)

	icpt := event.NewInterceptors(event.NewTracingInterceptor())
	a.Publisher = event.NewPublisher(a.EventStore, reg, subs, icpt, a.Pool, log, transports...)
	a.Events = event.NewSupervisor(svc, reg, a.Publisher, log,
		event.WithDefaults(cfg.Courier.EventExpire, cfg.Courier.EventMaxTries))
	u := uow.New(a.DB, log, a.Events)

	steps := request.NewHandlers(reg)
	a.Requests = request.NewSupervisor(svc, steps, a.RequestStore, a.Pool, intercept.New(), log,
		request.WithDefaults(cfg.Courier.RequestExpire, cfg.Courier.RequestMaxTries))
	a.Sagas = saga.NewSupervisor(svc, request.NewHandlers(reg), a.Requests, a.SagaStore, a.Pool, intercept.New(), log,
		saga.WithDefaults(cfg.Courier.RequestExpire, cfg.Courier.RequestMaxTries))

	a.Wallet = service.NewWalletService(u, repo.NewWalletRepository(a.DB, a.Redis, log), a.Sagas, log, service.WithIDs(a.IDs))
	return a.Wallet.Register(subs, steps)
}

func (a *App) transports() ([]event.Transport, error) {
	cfg, log := a.Cfg, a.Log
	var out []event.Transport
	if len(cfg.Kafka.Brokers) > 0 {
		w := kafka.NewWriter(cfg.Kafka.Brokers)
		a.closers = append(a.closers, w.Close)
		out = append(out, kafka.NewPublisher(w, log))
	}
	if cfg.RabbitMQ.URL != "" {
		conn, ch, err := rabbitmq.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		out = append(out, rabbitmq.NewPublisher(ch, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Timeout, log))
	}
	if len(cfg.Callback.Subscribers) > 0 {
		cb := callback.NewPublisher(&http.Client{Timeout: cfg.Callback.Timeout}, callback.Config{
			Timeout:     cfg.Callback.Timeout,
			MaxFailures: cfg.Callback.MaxFailures,
			OpenFor:     cfg.Callback.OpenFor,
		}, log)
		for _, s := range cfg.Callback.Subscribers {
			cb.Subscribe(s.Topic, s.URL)
		}
		out = append(out, cb)
	}
	if len(out) == 0 {
		log.Warn("no integration transport configured, integration events will fail")
	}
	return out, nil
}

// Close drains the pool, gives the worker id back and closes connections
// in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Pool != nil {
		err = multierr.Append(err, a.Pool.Stop(ctx))
		a.Pool = nil
	}
	if a.Allocator != nil {
		if _, held := a.Allocator.Held(); held {
			err = multierr.Append(err, a.Allocator.Release(ctx))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
