// Package request runs deferred commands: typed handlers executed now, or
// recorded and executed later with retries.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/codec"
	"github.com/richardliu001/courier/internal/intercept"
	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/retry"
	"github.com/richardliu001/courier/internal/uow"
	"github.com/richardliu001/courier/internal/worker"
)

const (
	DefaultExpireAfter = 1440 * time.Minute
	DefaultMaxTries    = 200
	// ImmediateWindow is how close to now a schedule has to be for the
	// record to begin at creation and run on the local pool.
	ImmediateWindow = 2 * time.Minute
)

// Store is the persistence boundary for request records.
type Store interface {
	Save(ctx context.Context, r *model.Request) error
	GetByUUID(ctx context.Context, uuid string) (*model.Request, error)
	GetByNextTryTime(ctx context.Context, svc string, maxNextTryAt time.Time, limit int) ([]*model.Request, error)
	ArchiveByExpireAt(ctx context.Context, svc string, maxExpireAt time.Time, limit int) (int, error)
}

// Hook interfaces. An interceptor implements any subset of them.
type (
	PreRequestHook interface {
		PreRequest(ctx context.Context, param any)
	}
	PostRequestHook interface {
		PostRequest(ctx context.Context, param, result any)
	}
	ExceptionHook interface {
		OnRequestException(ctx context.Context, param any, err error)
	}
)

type Supervisor struct {
	svc         string
	handlers    *Handlers
	reg         *codec.Registry
	store       Store
	pool        *worker.Pool
	icpt        *intercept.Chain
	log         *zap.SugaredLogger
	expireAfter time.Duration
	maxTries    int
	now         func() time.Time
}

type Option func(*Supervisor)

// WithDefaults overrides the expiry and retry ceiling of types without a policy.
func WithDefaults(expireAfter time.Duration, maxTries int) Option {
	return func(s *Supervisor) {
		if expireAfter > 0 {
			s.expireAfter = expireAfter
		}
		if maxTries > 0 {
			s.maxTries = maxTries
		}
	}
}

func NewSupervisor(svc string, handlers *Handlers, store Store, pool *worker.Pool, icpt *intercept.Chain, log *zap.SugaredLogger, opts ...Option) *Supervisor {
	s := &Supervisor{
		svc:         svc,
		handlers:    handlers,
		reg:         handlers.Registry(),
		store:       store,
		pool:        pool,
		icpt:        icpt,
		log:         log,
		expireAfter: DefaultExpireAfter,
		maxTries:    DefaultMaxTries,
		now:         retry.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) SvcName() string { return s.svc }

func (s *Supervisor) Handlers() *Handlers { return s.handlers }

// Send executes param's handler now, without a record.
func (s *Supervisor) Send(ctx context.Context, param any) (any, error) {
	return Invoke(ctx, s.handlers, s.icpt, param)
}

// Invoke runs param's handler from hs between the request hooks of icpt.
func Invoke(ctx context.Context, hs *Handlers, icpt *intercept.Chain, param any) (any, error) {
	h, _, err := hs.Lookup(param)
	if err != nil {
		return nil, err
	}
	intercept.Each(icpt, func(h PreRequestHook) { h.PreRequest(ctx, param) })
	res, err := h.Handle(ctx, param)
	if err != nil {
		intercept.Each(icpt, func(h ExceptionHook) { h.OnRequestException(ctx, param, err) })
		return nil, err
	}
	intercept.Each(icpt, func(h PostRequestHook) { h.PostRequest(ctx, param, res) })
	return res, nil
}

// Schedule records param for execution at at (zero means now) and returns
// the record's uuid. Inside a unit of work the execution waits for commit.
func (s *Supervisor) Schedule(ctx context.Context, param any, at time.Time) (string, error) {
	_, desc, err := s.handlers.Lookup(param)
	if err != nil {
		return "", err
	}
	name, blob, err := s.reg.Encode(param)
	if err != nil {
		return "", err
	}
	now := s.now()
	if at.IsZero() {
		at = now
	}
	at = at.UTC().Truncate(time.Millisecond)

	req := &model.Request{
		UUID:        uuid.NewString(),
		SvcName:     s.svc,
		RequestType: name,
		Param:       blob,
		ParamType:   name,
	}
	req.Init(at, s.expireAfter, s.maxTries, 0, desc.Retry)
	if at.Before(now.Add(ImmediateWindow)) {
		req.Begin(at)
	}
	if err := s.store.Save(ctx, req); err != nil {
		return "", fmt.Errorf("save request %s: %w", req.UUID, err)
	}
	if req.Executing() {
		s.dispatch(ctx, req.UUID, at)
	}
	return req.UUID, nil
}

// dispatch runs the stored record on the pool once at is reached.
func (s *Supervisor) dispatch(ctx context.Context, id string, at time.Time) {
	run := func(context.Context) {
		delay := at.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		err := s.pool.Schedule(delay, func(ctx context.Context) {
			if _, err := s.run(ctx, id); err != nil {
				s.log.Warnw("request failed", "uuid", id, "err", err)
			}
		})
		if err != nil {
			s.log.Errorw("schedule request", "uuid", id, "err", err)
		}
	}
	if scope, ok := uow.ScopeFrom(ctx); ok {
		scope.AfterCommit(ctx, run)
		return
	}
	run(ctx)
}

// run loads the record and executes it if an attempt is in flight.
func (s *Supervisor) run(ctx context.Context, id string) (any, error) {
	req, err := s.store.GetByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.Executing() {
		return nil, nil
	}
	return s.execute(ctx, req)
}

func (s *Supervisor) execute(ctx context.Context, req *model.Request) (any, error) {
	param, err := s.reg.Decode(req.ParamType, req.Param)
	if err != nil {
		req.Fail(s.now(), err)
		return nil, multierr.Append(err, s.store.Save(ctx, req))
	}
	res, err := s.Send(ctx, param)
	if err != nil {
		if Fatal(err) {
			req.Fail(s.now(), err)
		} else {
			req.OccurredException(s.now(), err)
		}
		if serr := s.store.Save(ctx, req); serr != nil {
			s.log.Errorw("save failed request", "uuid", req.UUID, "err", serr)
		}
		return nil, fmt.Errorf("request %s: %w", req.UUID, err)
	}
	name, blob, err := s.reg.Encode(res)
	if err != nil {
		req.Fail(s.now(), err)
		return nil, multierr.Append(err, s.store.Save(ctx, req))
	}
	req.Finish(s.now(), name, blob)
	if err := s.store.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("save request %s: %w", req.UUID, err)
	}
	return res, nil
}

// Get loads a stored request.
func (s *Supervisor) Get(ctx context.Context, id string) (*model.Request, error) {
	req, err := s.store.GetByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.attachPolicy(req)
	return req, nil
}

// Result returns the decoded result and true once the request executed.
func (s *Supervisor) Result(ctx context.Context, id string) (any, bool, error) {
	req, err := s.store.GetByUUID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if req.State != retry.StateExecuted {
		return nil, false, nil
	}
	res, err := s.reg.Decode(req.ResultType, req.Result)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// Retry executes the stored request now, whatever its schedule. An executed
// request is left alone and its stored result returned.
func (s *Supervisor) Retry(ctx context.Context, id string) (any, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State == retry.StateExecuted {
		return s.reg.Decode(req.ResultType, req.Result)
	}
	return s.execute(ctx, req)
}

// Cancel stops a request that has not executed. False means too late.
func (s *Supervisor) Cancel(ctx context.Context, id string) (bool, error) {
	req, err := s.store.GetByUUID(ctx, id)
	if err != nil {
		return false, err
	}
	if !req.Cancel(s.now()) {
		return false, nil
	}
	return true, s.store.Save(ctx, req)
}

// Resume fast-forwards an overdue request to floor, saves it and runs it if
// an attempt is in flight.
func (s *Supervisor) Resume(ctx context.Context, req *model.Request, floor time.Time) error {
	s.attachPolicy(req)
	executing, err := req.Resume(s.now(), floor)
	if err != nil {
		return fmt.Errorf("resume request %s: %w", req.UUID, err)
	}
	if err := s.store.Save(ctx, req); err != nil {
		return fmt.Errorf("save request %s: %w", req.UUID, err)
	}
	if executing {
		s.dispatch(ctx, req.UUID, req.LastTryAt)
	}
	return nil
}

// Compensate resumes up to batch overdue requests so none is due again
// before now+interval. It returns how many were picked up.
func (s *Supervisor) Compensate(ctx context.Context, batch int, interval time.Duration) (int, error) {
	now := s.now()
	due, err := s.store.GetByNextTryTime(ctx, s.svc, now, batch)
	if err != nil {
		return 0, err
	}
	for i, req := range due {
		if err := s.Resume(ctx, req, now.Add(interval)); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

// Archive moves up to batch requests that expired before maxExpireAt.
func (s *Supervisor) Archive(ctx context.Context, maxExpireAt time.Time, batch int) (int, error) {
	return s.store.ArchiveByExpireAt(ctx, s.svc, maxExpireAt, batch)
}

// Fatal reports errors that retrying the same record cannot fix.
func Fatal(err error) bool {
	return errors.Is(err, codec.ErrUnknownType) || errors.Is(err, ErrNoHandler) || errors.Is(err, ErrParamType)
}

func (s *Supervisor) attachPolicy(req *model.Request) {
	if d, ok := s.reg.Lookup(req.ParamType); ok {
		req.SetPolicy(d.Retry)
	}
}
