package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/codec"
	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/retry"
	"github.com/richardliu001/courier/internal/worker"
)

// ErrNoTransport is returned for integration events when no transport is registered.
var ErrNoTransport = errors.New("event: no integration transport registered")

// Store is the persistence boundary for event records.
type Store interface {
	Save(ctx context.Context, e *model.Event) error
	GetByUUID(ctx context.Context, uuid string) (*model.Event, error)
	GetByNextTryTime(ctx context.Context, svc string, maxNextTryAt time.Time, limit int) ([]*model.Event, error)
	ArchiveByExpireAt(ctx context.Context, svc string, maxExpireAt time.Time, limit int) (int, error)
}

// Transport publishes integration events out of process. Outcomes are
// reported through cb, possibly after Publish returned.
type Transport interface {
	Publish(ctx context.Context, rec *Record, msg *Message, cb Callback)
}

// Callback receives transport outcomes.
type Callback interface {
	OnSuccess(ctx context.Context, rec *Record)
	OnException(ctx context.Context, rec *Record, err error)
}

// Publisher is the dispatch engine. It routes records in-process or to the
// transports, now or after their schedule, and drives the interceptors.
type Publisher struct {
	store      Store
	reg        *codec.Registry
	subs       *Subscribers
	icpt       *Interceptors
	pool       *worker.Pool
	transports []Transport
	log        *zap.SugaredLogger
	now        func() time.Time
}

func NewPublisher(store Store, reg *codec.Registry, subs *Subscribers, icpt *Interceptors, pool *worker.Pool, log *zap.SugaredLogger, transports ...Transport) *Publisher {
	if icpt == nil {
		icpt = NewInterceptors()
	}
	return &Publisher{
		store:      store,
		reg:        reg,
		subs:       subs,
		icpt:       icpt,
		pool:       pool,
		transports: transports,
		log:        log,
		now:        retry.Now,
	}
}

// AddTransport registers an outbound publisher; every one sees every integration event.
func (p *Publisher) AddTransport(t Transport) { p.transports = append(p.transports, t) }

// Publish routes rec by its class, persistence flag and schedule header.
func (p *Publisher) Publish(ctx context.Context, rec *Record) error {
	now := p.now()
	msg := rec.Message(now)
	each(p.icpt, func(h InitPublishHook) { h.InitPublish(ctx, msg) })

	at, scheduled := msg.ScheduleAt()
	delay := at.Sub(now)

	if msg.Integration() {
		if !scheduled {
			return p.publishOut(ctx, rec)
		}
		return p.pool.Schedule(delay, func(ctx context.Context) {
			if err := p.publishOut(ctx, rec); err != nil {
				p.log.Errorw("scheduled integration publish failed", "uuid", rec.UUID(), "err", err)
			}
		})
	}

	deliver := func(ctx context.Context) {
		if err := p.deliver(ctx, rec); err != nil {
			p.log.Errorw("async delivery failed", "uuid", rec.UUID(), "err", err)
		}
	}
	switch {
	case scheduled:
		return p.pool.Schedule(delay, deliver)
	case msg.Persist():
		return p.pool.Submit(deliver)
	default:
		return p.deliver(ctx, rec)
	}
}

// deliver runs in-process subscribers for rec.
func (p *Publisher) deliver(ctx context.Context, rec *Record) (err error) {
	defer func() {
		if err != nil {
			err = p.fail(ctx, rec, err)
		}
	}()

	each(p.icpt, func(h PreReleaseHook) { h.PreRelease(ctx, rec) })
	msg := rec.Message(p.now())
	each(p.icpt, func(h PrePublishHook) { h.PrePublish(ctx, msg) })

	each(p.icpt, func(h PreSubscribeHook) { h.PreSubscribe(ctx, msg) })
	err = p.subs.Dispatch(ctx, rec.Payload())
	each(p.icpt, func(h PostSubscribeHook) { h.PostSubscribe(ctx, msg) })
	if err != nil {
		return err
	}

	rec.ConfirmDelivered(p.now())
	if err = p.persist(ctx, rec); err != nil {
		return err
	}
	each(p.icpt, func(h PostPublishHook) { h.PostPublish(ctx, msg) })
	each(p.icpt, func(h PostReleaseHook) { h.PostRelease(ctx, rec) })
	return nil
}

// publishOut hands rec to every transport; outcomes arrive through the callback.
func (p *Publisher) publishOut(ctx context.Context, rec *Record) error {
	if len(p.transports) == 0 {
		return p.fail(ctx, rec, ErrNoTransport)
	}
	each(p.icpt, func(h PreReleaseHook) { h.PreRelease(ctx, rec) })
	msg := rec.Message(p.now())
	each(p.icpt, func(h PrePublishHook) { h.PrePublish(ctx, msg) })
	cb := &transportCallback{p: p, msg: msg}
	for _, t := range p.transports {
		t.Publish(ctx, rec, msg, cb)
	}
	return nil
}

func (p *Publisher) persist(ctx context.Context, rec *Record) error {
	if !rec.Persist() {
		return nil
	}
	each(p.icpt, func(h PrePersistHook) { h.PrePersist(ctx, rec) })
	if err := p.store.Save(ctx, rec.Event); err != nil {
		return fmt.Errorf("save event %s: %w", rec.UUID(), err)
	}
	each(p.icpt, func(h PostPersistHook) { h.PostPersist(ctx, rec) })
	return nil
}

// fail records err on rec, stores it when persistent and notifies the
// exception interceptors. The wrapped error goes back to the caller.
func (p *Publisher) fail(ctx context.Context, rec *Record, err error) error {
	rec.OccurredException(p.now(), err)
	if rec.Persist() {
		if serr := p.store.Save(ctx, rec.Event); serr != nil {
			p.log.Errorw("save failed event", "uuid", rec.UUID(), "err", serr)
		}
	}
	each(p.icpt, func(h ExceptionHook) { h.OnException(ctx, err, rec) })
	return fmt.Errorf("dispatch event %s (%s): %w", rec.UUID(), rec.Type(), err)
}

type transportCallback struct {
	p   *Publisher
	msg *Message
}

func (c *transportCallback) OnSuccess(ctx context.Context, rec *Record) {
	p := c.p
	rec.ConfirmDelivered(p.now())
	if err := p.persist(ctx, rec); err != nil {
		p.log.Errorw("persist delivered event", "uuid", rec.UUID(), "err", err)
	}
	each(p.icpt, func(h PostPublishHook) { h.PostPublish(ctx, c.msg) })
	each(p.icpt, func(h PostReleaseHook) { h.PostRelease(ctx, rec) })
}

func (c *transportCallback) OnException(ctx context.Context, rec *Record, err error) {
	c.p.log.Warnw("integration publish failed", "uuid", rec.UUID(), "topic", rec.Topic(), "err", err)
	_ = c.p.fail(ctx, rec, err)
}

// Load fetches a stored record by uuid.
func (p *Publisher) Load(ctx context.Context, uuid string) (*Record, error) {
	e, err := p.store.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return loadRecord(p.reg, e)
}

// Retry force-publishes a stored record. Delivered records are left alone.
func (p *Publisher) Retry(ctx context.Context, uuid string) error {
	rec, err := p.Load(ctx, uuid)
	if err != nil {
		return err
	}
	if rec.Delivered() {
		p.log.Infow("retry skipped, event already delivered", "uuid", uuid)
		return nil
	}
	rec.MarkPersist(true)
	return p.Publish(ctx, rec)
}

// Resume fast-forwards an overdue stored record, saves it and publishes it
// once when an attempt ended up in flight.
func (p *Publisher) Resume(ctx context.Context, e *model.Event, floor time.Time) error {
	rec, err := loadRecord(p.reg, e)
	if err != nil {
		e.Fail(p.now(), err)
		return multierr.Append(err, p.store.Save(ctx, e))
	}
	executing, err := e.Resume(p.now(), floor)
	if err != nil {
		return fmt.Errorf("resume event %s: %w", e.UUID, err)
	}
	if err := p.store.Save(ctx, e); err != nil {
		return fmt.Errorf("save event %s: %w", e.UUID, err)
	}
	if !executing {
		return nil
	}
	return p.Publish(ctx, rec)
}
