// Package schedule drives the background sweeps: compensation re-drives
// overdue records and archiving moves long-expired ones to cold tables.
// Each sweep of each kind runs under a distributed lock.
package schedule

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/retry"
)

// maxArchiveFailures ends an archive sweep after that many errors in a row.
const maxArchiveFailures = 3

// Kind is one record kind the runner sweeps.
type Kind interface {
	SvcName() string
	Compensate(ctx context.Context, batch int, interval time.Duration) (int, error)
	Archive(ctx context.Context, maxExpireAt time.Time, batch int) (int, error)
}

// Lock runs fn only on the instance holding key.
type Lock interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

type Config struct {
	BatchSize int
	// Interval is how often compensation runs; resumed records are pushed
	// past the next run.
	Interval       time.Duration
	LockTTL        time.Duration
	Retention      time.Duration
	CompensateSpec string
	ArchiveSpec    string
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.CompensateSpec == "" {
		c.CompensateSpec = "@every 1m"
	}
	if c.ArchiveSpec == "" {
		c.ArchiveSpec = "0 2 * * *"
	}
}

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type named struct {
	name string
	kind Kind
}

type Runner struct {
	lock  Lock
	cfg   Config
	log   *zap.SugaredLogger
	kinds []named
	now   func() time.Time
	cron  *cronlib.Cron
}

func NewRunner(lock Lock, cfg Config, log *zap.SugaredLogger) *Runner {
	cfg.defaults()
	return &Runner{lock: lock, cfg: cfg, log: log, now: retry.Now}
}

// Add registers a kind under name, which also names its locks.
func (r *Runner) Add(name string, k Kind) *Runner {
	r.kinds = append(r.kinds, named{name: name, kind: k})
	return r
}

func lockKey(k named, sweep string) string {
	return fmt.Sprintf("%s:%s:%s", k.kind.SvcName(), k.name, sweep)
}

// Compensate sweeps every kind once, batch by batch, until a batch comes
// back short. A kind that fails is skipped until the next run.
func (r *Runner) Compensate(ctx context.Context) {
	for _, k := range r.kinds {
		k := k
		ran, err := r.lock.WithLock(ctx, lockKey(k, "compensate"), r.cfg.LockTTL, func(ctx context.Context) error {
			total := 0
			for ctx.Err() == nil {
				n, err := k.kind.Compensate(ctx, r.cfg.BatchSize, r.cfg.Interval)
				total += n
				if err != nil {
					return err
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
			if total > 0 {
				r.log.Infow("compensated", "kind", k.name, "count", total)
			}
			return nil
		})
		if err != nil {
			r.log.Errorw("compensation failed", "kind", k.name, "err", err)
		}
		if !ran && err == nil {
			r.log.Debugw("compensation locked elsewhere", "kind", k.name)
		}
	}
}

// Archive sweeps every kind once until nothing is left to move.
func (r *Runner) Archive(ctx context.Context) {
	for _, k := range r.kinds {
		k := k
		_, err := r.lock.WithLock(ctx, lockKey(k, "archive"), r.cfg.LockTTL, func(ctx context.Context) error {
			before := r.now().Add(-r.cfg.Retention)
			failures, total := 0, 0
			for ctx.Err() == nil && failures < maxArchiveFailures {
				n, err := k.kind.Archive(ctx, before, r.cfg.BatchSize)
				if err != nil {
					failures++
					r.log.Warnw("archive batch failed", "kind", k.name, "failures", failures, "err", err)
					continue
				}
				failures = 0
				total += n
				if n == 0 {
					break
				}
			}
			if total > 0 {
				r.log.Infow("archived", "kind", k.name, "count", total)
			}
			return nil
		})
		if err != nil {
			r.log.Errorw("archive failed", "kind", k.name, "err", err)
		}
	}
}

// Start schedules both sweeps on cron. Runs of a sweep never overlap.
func (r *Runner) Start(ctx context.Context) error {
	logger := cronLogger{r.log}
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLocation(time.UTC),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
		cronlib.WithLogger(logger),
	)
	if _, err := c.AddFunc(r.cfg.CompensateSpec, func() { r.Compensate(ctx) }); err != nil {
		return fmt.Errorf("compensate spec %q: %w", r.cfg.CompensateSpec, err)
	}
	if _, err := c.AddFunc(r.cfg.ArchiveSpec, func() { r.Archive(ctx) }); err != nil {
		return fmt.Errorf("archive spec %q: %w", r.cfg.ArchiveSpec, err)
	}
	r.cron = c
	c.Start()
	r.log.Infow("sweeps scheduled", "compensate", r.cfg.CompensateSpec, "archive", r.cfg.ArchiveSpec, "kinds", len(r.kinds))
	return nil
}

// Stop waits for running sweeps or for ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Errorw(msg, append(kv, "err", err)...)
}
