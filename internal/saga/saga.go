// Package saga runs multi-step business transactions. Each step is a named
// process whose result is kept on the saga record, so a retried saga skips
// the steps that already succeeded. Completed steps are never compensated.
package saga

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
	"github.com/richardliu001/courier/internal/request"
	"github.com/richardliu001/courier/internal/retry"
	"github.com/richardliu001/courier/internal/uow"
	"github.com/richardliu001/courier/internal/worker"
)

const (
	DefaultExpireAfter = 1440 * time.Minute
	DefaultMaxTries    = 200
	ImmediateWindow    = request.ImmediateWindow
)

var (
	// ErrNoSaga is returned by SendProcess outside a running saga.
	ErrNoSaga = errors.New("saga: no saga bound to context")
	// ErrNoHandler is returned for a param type no saga handler accepts.
	// Sagas share the request handler registry, so it is the same error.
	ErrNoHandler = request.ErrNoHandler
)

// Store is the persistence boundary for saga records and their processes.
type Store interface {
	Save(ctx context.Context, s *model.Saga) error
	GetByUUID(ctx context.Context, uuid string) (*model.Saga, error)
	GetByNextTryTime(ctx context.Context, svc string, maxNextTryAt time.Time, limit int) ([]*model.Saga, error)
	ArchiveByExpireAt(ctx context.Context, svc string, maxExpireAt time.Time, limit int) (int, error)
}

type sagaKey struct{}

func bind(ctx context.Context, s *model.Saga) context.Context {
	return context.WithValue(ctx, sagaKey{}, s)
}

// FromContext returns the saga whose handler is running on ctx.
func FromContext(ctx context.Context) (*model.Saga, bool) {
	s, ok := ctx.Value(sagaKey{}).(*model.Saga)
	return s, ok
}

type Supervisor struct {
	svc         string
	handlers    *request.Handlers
	requests    *request.Supervisor
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

// NewSupervisor builds a saga supervisor. handlers hold the saga entry
// points; steps run through requests.
func NewSupervisor(svc string, handlers *request.Handlers, requests *request.Supervisor, store Store, pool *worker.Pool, icpt *intercept.Chain, log *zap.SugaredLogger, opts ...Option) *Supervisor {
	s := &Supervisor{
		svc:         svc,
		handlers:    handlers,
		requests:    requests,
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

func (s *Supervisor) Handlers() *request.Handlers { return s.handlers }

// Send records a saga for param and runs it now on the caller's goroutine.
func (s *Supervisor) Send(ctx context.Context, param any) (any, error) {
	sg, err := s.create(ctx, param, s.now())
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, sg, param)
}

// Schedule records a saga for param due at at (zero means now) and returns
// its uuid. Inside a unit of work the execution waits for commit.
func (s *Supervisor) Schedule(ctx context.Context, param any, at time.Time) (string, error) {
	if at.IsZero() {
		at = s.now()
	}
	sg, err := s.create(ctx, param, at.UTC().Truncate(time.Millisecond))
	if err != nil {
		return "", err
	}
	if sg.Executing() {
		s.dispatch(ctx, sg.UUID, sg.CreatedAt)
	}
	return sg.UUID, nil
}

func (s *Supervisor) create(ctx context.Context, param any, at time.Time) (*model.Saga, error) {
	_, desc, err := s.handlers.Lookup(param)
	if err != nil {
		return nil, err
	}
	name, blob, err := s.reg.Encode(param)
	if err != nil {
		return nil, err
	}
	sg := &model.Saga{
		UUID:      uuid.NewString(),
		SvcName:   s.svc,
		SagaType:  name,
		Param:     blob,
		ParamType: name,
	}
	sg.Init(at, s.expireAfter, s.maxTries, 0, desc.Retry)
	if at.Before(s.now().Add(ImmediateWindow)) {
		sg.Begin(at)
	}
	if err := s.store.Save(ctx, sg); err != nil {
		return nil, fmt.Errorf("save saga %s: %w", sg.UUID, err)
	}
	return sg, nil
}

func (s *Supervisor) dispatch(ctx context.Context, id string, at time.Time) {
	run := func(context.Context) {
		delay := at.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		err := s.pool.Schedule(delay, func(ctx context.Context) {
			if _, err := s.run(ctx, id); err != nil {
				s.log.Warnw("saga failed", "uuid", id, "err", err)
			}
		})
		if err != nil {
			s.log.Errorw("schedule saga", "uuid", id, "err", err)
		}
	}
	if scope, ok := uow.ScopeFrom(ctx); ok {
		scope.AfterCommit(ctx, run)
		return
	}
	run(ctx)
}

func (s *Supervisor) run(ctx context.Context, id string) (any, error) {
	sg, err := s.store.GetByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sg.Executing() {
		return nil, nil
	}
	return s.replay(ctx, sg)
}

// replay decodes the stored param and executes the saga.
func (s *Supervisor) replay(ctx context.Context, sg *model.Saga) (any, error) {
	param, err := s.reg.Decode(sg.ParamType, sg.Param)
	if err != nil {
		sg.Fail(s.now(), err)
		return nil, multierr.Append(err, s.store.Save(ctx, sg))
	}
	return s.execute(ctx, sg, param)
}

func (s *Supervisor) execute(ctx context.Context, sg *model.Saga, param any) (any, error) {
	res, err := request.Invoke(bind(ctx, sg), s.handlers, s.icpt, param)
	if err != nil {
		if request.Fatal(err) {
			sg.Fail(s.now(), err)
		} else {
			sg.OccurredException(s.now(), err)
		}
		if serr := s.store.Save(ctx, sg); serr != nil {
			s.log.Errorw("save failed saga", "uuid", sg.UUID, "err", serr)
		}
		return nil, fmt.Errorf("saga %s: %w", sg.UUID, err)
	}
	name, blob, err := s.reg.Encode(res)
	if err != nil {
		sg.Fail(s.now(), err)
		return nil, multierr.Append(err, s.store.Save(ctx, sg))
	}
	sg.Finish(s.now(), name, blob)
	if err := s.store.Save(ctx, sg); err != nil {
		return nil, fmt.Errorf("save saga %s: %w", sg.UUID, err)
	}
	return res, nil
}

// SendProcess runs step code of the saga bound to ctx through the request
// handlers. A step that already succeeded returns its stored result without
// running again.
func (s *Supervisor) SendProcess(ctx context.Context, code string, param any) (any, error) {
	sg, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoSaga
	}
	preg := s.requests.Handlers().Registry()
	if p := sg.Process(code); p != nil && p.State == model.ProcessExecuted {
		return preg.Decode(p.ResultType, p.Result)
	}
	name, blob, err := preg.Encode(param)
	if err != nil {
		return nil, err
	}
	sg.BeginProcess(s.now(), code, name, blob)
	if err := s.store.Save(ctx, sg); err != nil {
		return nil, fmt.Errorf("save saga %s process %s: %w", sg.UUID, code, err)
	}

	res, err := s.requests.Send(ctx, param)
	if err != nil {
		sg.ProcessException(s.now(), code, err)
		if serr := s.store.Save(ctx, sg); serr != nil {
			s.log.Errorw("save failed saga process", "uuid", sg.UUID, "process", code, "err", serr)
		}
		return nil, fmt.Errorf("process %s: %w", code, err)
	}
	rname, rblob, err := preg.Encode(res)
	if err != nil {
		sg.ProcessException(s.now(), code, err)
		return nil, multierr.Append(err, s.store.Save(ctx, sg))
	}
	sg.EndProcess(s.now(), code, rname, rblob)
	if err := s.store.Save(ctx, sg); err != nil {
		return nil, fmt.Errorf("save saga %s process %s: %w", sg.UUID, code, err)
	}
	return res, nil
}

// SendProcessAs is SendProcess with a typed result.
func SendProcessAs[R any](ctx context.Context, s *Supervisor, code string, param any) (*R, error) {
	res, err := s.SendProcess(ctx, code, param)
	if err != nil || res == nil {
		return nil, err
	}
	r, ok := res.(*R)
	if !ok {
		return nil, fmt.Errorf("process %s: result is %T", code, res)
	}
	return r, nil
}

func (s *Supervisor) Get(ctx context.Context, id string) (*model.Saga, error) {
	sg, err := s.store.GetByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.attachPolicy(sg)
	return sg, nil
}

// Result returns the decoded result and true once the saga executed.
func (s *Supervisor) Result(ctx context.Context, id string) (any, bool, error) {
	sg, err := s.store.GetByUUID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if sg.State != retry.StateExecuted {
		return nil, false, nil
	}
	res, err := s.reg.Decode(sg.ResultType, sg.Result)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// Retry runs the saga now. Steps that already succeeded are skipped; an
// executed saga returns its stored result.
func (s *Supervisor) Retry(ctx context.Context, id string) (any, error) {
	sg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.State == retry.StateExecuted {
		return s.reg.Decode(sg.ResultType, sg.Result)
	}
	return s.replay(ctx, sg)
}

// Cancel stops a saga that has not executed. False means too late.
func (s *Supervisor) Cancel(ctx context.Context, id string) (bool, error) {
	sg, err := s.store.GetByUUID(ctx, id)
	if err != nil {
		return false, err
	}
	if !sg.Cancel(s.now()) {
		return false, nil
	}
	return true, s.store.Save(ctx, sg)
}

// Resume fast-forwards an overdue saga to floor, saves it and runs it if an
// attempt is in flight.
func (s *Supervisor) Resume(ctx context.Context, sg *model.Saga, floor time.Time) error {
	s.attachPolicy(sg)
	executing, err := sg.Resume(s.now(), floor)
	if err != nil {
		return fmt.Errorf("resume saga %s: %w", sg.UUID, err)
	}
	if err := s.store.Save(ctx, sg); err != nil {
		return fmt.Errorf("save saga %s: %w", sg.UUID, err)
	}
	if executing {
		s.dispatch(ctx, sg.UUID, sg.LastTryAt)
	}
	return nil
}

// Compensate resumes up to batch overdue sagas so none is due again before
// now+interval. It returns how many were picked up.
func (s *Supervisor) Compensate(ctx context.Context, batch int, interval time.Duration) (int, error) {
	now := s.now()
	due, err := s.store.GetByNextTryTime(ctx, s.svc, now, batch)
	if err != nil {
		return 0, err
	}
	for i, sg := range due {
		if err := s.Resume(ctx, sg, now.Add(interval)); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

func (s *Supervisor) Archive(ctx context.Context, maxExpireAt time.Time, batch int) (int, error) {
	return s.store.ArchiveByExpireAt(ctx, s.svc, maxExpireAt, batch)
}

func (s *Supervisor) attachPolicy(sg *model.Saga) {
	if d, ok := s.reg.Lookup(sg.ParamType); ok {
		sg.SetPolicy(d.Retry)
	}
}
