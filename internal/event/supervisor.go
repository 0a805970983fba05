package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/codec"
	"github.com/richardliu001/courier/internal/retry"
	"github.com/richardliu001/courier/internal/uow"
)

const (
	DefaultExpireAfter = 30 * time.Minute
	DefaultMaxTries    = 16

	// MaxReleaseRounds bounds subscribers that keep attaching events.
	MaxReleaseRounds = 32
)

// ErrReleaseCascade means inline delivery kept attaching new events.
var ErrReleaseCascade = errors.New("event: release cascade did not settle")

// Supervisor is the business-facing event API. Staged events live in the
// unit of work bound to ctx until it commits.
type Supervisor struct {
	svc         string
	reg         *codec.Registry
	icpt        *Interceptors
	pub         *Publisher
	store       Store
	log         *zap.SugaredLogger
	expireAfter time.Duration
	maxTries    int
	now         func() time.Time
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithDefaults overrides the expiry and retry ceiling of types without a policy.
func WithDefaults(expireAfter time.Duration, maxTries int) SupervisorOption {
	return func(s *Supervisor) {
		if expireAfter > 0 {
			s.expireAfter = expireAfter
		}
		if maxTries > 0 {
			s.maxTries = maxTries
		}
	}
}

func NewSupervisor(svc string, reg *codec.Registry, pub *Publisher, log *zap.SugaredLogger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		svc:         svc,
		reg:         reg,
		icpt:        pub.icpt,
		pub:         pub,
		store:       pub.store,
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

// Attach stages payload against owner (nil for none). A zero scheduleAt means now.
func (s *Supervisor) Attach(ctx context.Context, payload, owner any, scheduleAt time.Time) error {
	if _, err := s.reg.Describe(payload); err != nil {
		return err
	}
	return s.stage(ctx, &uow.Staged{Value: payload, Owner: owner, ScheduleAt: scheduleAt}, payload)
}

// AttachSupplier stages fn, which builds the payload at release time.
func (s *Supervisor) AttachSupplier(ctx context.Context, fn func() any, owner any, scheduleAt time.Time) error {
	return s.stage(ctx, &uow.Staged{Supplier: fn, Owner: owner, ScheduleAt: scheduleAt}, nil)
}

func (s *Supervisor) stage(ctx context.Context, st *uow.Staged, payload any) error {
	scope, ok := uow.ScopeFrom(ctx)
	if !ok {
		return uow.ErrNoScope
	}
	if err := scope.Stage(st); err != nil {
		return err
	}
	each(s.icpt, func(h AttachHook) { h.OnAttach(ctx, payload, st.Owner, st.ScheduleAt) })
	return nil
}

// Detach unstages payload. After release it has nothing left to remove.
func (s *Supervisor) Detach(ctx context.Context, payload, owner any) bool {
	scope, ok := uow.ScopeFrom(ctx)
	if !ok || !scope.Unstage(owner, payload) {
		return false
	}
	each(s.icpt, func(h DetachHook) { h.OnDetach(ctx, payload, owner) })
	return true
}

// PostEntitiesPersisted releases at the end of a unit of work.
func (s *Supervisor) PostEntitiesPersisted(ctx context.Context, owners []any) error {
	return s.Release(ctx, owners)
}

// Release turns everything staged for owners into records. Records due now
// and not forced to persist stay transient and are published before this
// returns; the rest are saved and published once the transaction commits.
// Payloads attached by subscribers during inline delivery are released in
// further rounds until nothing is left.
func (s *Supervisor) Release(ctx context.Context, owners []any) error {
	scope, ok := uow.ScopeFrom(ctx)
	var persisted []*Record
	for round := 0; ; round++ {
		if round >= MaxReleaseRounds {
			return fmt.Errorf("release: %w after %d rounds", ErrReleaseCascade, round)
		}
		staged := drain(scope, ok, owners)
		if len(staged) == 0 {
			break
		}
		recs, err := s.release(ctx, staged)
		if err != nil {
			return err
		}
		persisted = append(persisted, recs...)
		if !ok {
			break
		}
		owners = scope.Owners()
	}
	if len(persisted) == 0 {
		return nil
	}

	// committed
	publish := func(ctx context.Context) {
		for _, rec := range persisted {
			if err := s.pub.Publish(ctx, rec); err != nil {
				s.log.Errorw("publish committed event", "uuid", rec.UUID(), "err", err)
			}
		}
	}
	if ok {
		scope.AfterCommit(ctx, publish)
	} else {
		publish(ctx)
	}
	return nil
}

func drain(scope *uow.Scope, scoped bool, owners []any) []*uow.Staged {
	var staged []*uow.Staged
	if scoped {
		staged = scope.Drain(owners)
	}
	for _, o := range owners {
		src, ok := o.(uow.EventSource)
		if !ok {
			continue
		}
		for _, pe := range src.PendingEvents() {
			staged = append(staged, &uow.Staged{Value: pe, Owner: o})
		}
		src.ClearPendingEvents()
	}
	return staged
}

// release builds records for one round, saves the persisted ones and
// publishes the transient ones inline.
func (s *Supervisor) release(ctx context.Context, staged []*uow.Staged) ([]*Record, error) {
	now := s.now()
	var persisted, transient []*Record
	for _, st := range staged {
		payload := st.Resolve()
		desc, err := s.reg.Describe(payload)
		if err != nil {
			return nil, fmt.Errorf("release: %w", err)
		}
		at := st.ScheduleAt.UTC().Truncate(time.Millisecond)
		if st.ScheduleAt.IsZero() || at.Before(now) {
			at = now
		}
		rec, err := newRecord(s.reg, payload, s.svc, at, s.expireAfter, s.maxTries)
		if err != nil {
			return nil, fmt.Errorf("release: %w", err)
		}
		if desc.Persist || at.After(now) {
			rec.MarkPersist(true)
			if err := s.pub.persist(ctx, rec); err != nil {
				return nil, err
			}
			persisted = append(persisted, rec)
			continue
		}
		transient = append(transient, rec)
	}

	// committing
	for _, rec := range transient {
		if err := s.pub.Publish(ctx, rec); err != nil {
			return nil, err
		}
	}
	return persisted, nil
}

// Get loads a stored event.
func (s *Supervisor) Get(ctx context.Context, uuid string) (*Record, error) {
	return s.pub.Load(ctx, uuid)
}

// Cancel stops a stored event that has not been delivered.
func (s *Supervisor) Cancel(ctx context.Context, uuid string) (bool, error) {
	rec, err := s.pub.Load(ctx, uuid)
	if err != nil {
		return false, err
	}
	if !rec.CancelDelivery(s.now()) {
		return false, nil
	}
	return true, s.store.Save(ctx, rec.Event)
}

// Compensate resumes up to batch overdue events so none is due again before
// now+interval. It returns how many were picked up.
func (s *Supervisor) Compensate(ctx context.Context, batch int, interval time.Duration) (int, error) {
	now := s.now()
	due, err := s.store.GetByNextTryTime(ctx, s.svc, now, batch)
	if err != nil {
		return 0, err
	}
	for i, e := range due {
		if err := s.pub.Resume(ctx, e, now.Add(interval)); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

// Archive moves up to batch events that expired before maxExpireAt.
func (s *Supervisor) Archive(ctx context.Context, maxExpireAt time.Time, batch int) (int, error) {
	return s.store.ArchiveByExpireAt(ctx, s.svc, maxExpireAt, batch)
}

// SvcName is the service the supervisor files records under.
func (s *Supervisor) SvcName() string { return s.svc }
