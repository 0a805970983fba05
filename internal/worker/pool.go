package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned for work handed to a stopped pool.
var ErrStopped = errors.New("worker: pool stopped")

// Task receives the pool's context, which is cancelled on Stop.
type Task func(ctx context.Context)

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency caps the number of tasks running at once.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// Pool runs submitted and delayed tasks with bounded concurrency.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	log  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
}

func NewPool(log *zap.SugaredLogger, opts ...Option) *Pool {
	p := &Pool{size: 8, log: log, timers: make(map[*time.Timer]struct{})}
	for _, o := range opts {
		o(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.size))
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Submit queues fn to run as soon as a slot frees up.
func (p *Pool) Submit(fn Task) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		p.run(fn)
	}()
	return nil
}

// Schedule runs fn after delay. Non-positive delays submit immediately.
func (p *Pool) Schedule(delay time.Duration, fn Task) error {
	if delay <= 0 {
		return p.Submit(fn)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		if err := p.Submit(fn); err != nil {
			p.log.Warnw("scheduled task dropped", "err", err)
		}
	})
	p.timers[t] = struct{}{}
	return nil
}

func (p *Pool) run(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("worker task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn(p.ctx)
}

// Pending returns the number of delayed tasks not yet due.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Stop drops pending delayed tasks and waits for running ones until ctx ends.
// Dropped work is recovered by the compensation sweep.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = map[*time.Timer]struct{}{}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	defer p.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
