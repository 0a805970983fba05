package uow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// ErrNoScope is returned when staging is attempted outside a unit of work.
var ErrNoScope = errors.New("uow: no unit of work bound to context")

// EventSource is implemented by aggregates that collect events themselves.
// Release drains and clears them.
type EventSource interface {
	PendingEvents() []any
	ClearPendingEvents()
}

// Staged is a payload waiting for its unit of work to finish. Exactly one
// of Value and Supplier is set; a supplier is evaluated once, at release.
type Staged struct {
	Value      any
	Supplier   func() any
	ScheduleAt time.Time
	Owner      any

	once     sync.Once
	resolved any
}

// Resolve returns the payload, invoking the supplier on first use.
func (s *Staged) Resolve() any {
	s.once.Do(func() {
		if s.Supplier != nil {
			s.resolved = s.Supplier()
			return
		}
		s.resolved = s.Value
	})
	return s.resolved
}

// Scope is the staging area of one unit of work. A nil owner is a valid key
// for payloads that belong to no entity.
type Scope struct {
	mu          sync.Mutex
	owners      []any
	seen        map[any]bool
	staged      map[any][]*Staged
	entities    []any
	inTx        bool
	afterCommit []func(context.Context)
}

func NewScope() *Scope {
	return &Scope{seen: make(map[any]bool), staged: make(map[any][]*Staged)}
}

type scopeKey struct{}

// WithScope binds s to ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope bound to ctx.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

func (s *Scope) touch(owner any) {
	if !isComparable(owner) {
		return
	}
	if !s.seen[owner] {
		s.seen[owner] = true
		s.owners = append(s.owners, owner)
	}
}

// Stage records st under its owner. Owners are map keys and must be comparable.
func (s *Scope) Stage(st *Staged) error {
	if !isComparable(st.Owner) {
		return fmt.Errorf("uow: owner %T is not comparable", st.Owner)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(st.Owner)
	s.staged[st.Owner] = append(s.staged[st.Owner], st)
	return nil
}

// Unstage removes payload from owner's set. Supplier entries cannot be matched.
func (s *Scope) Unstage(owner, payload any) bool {
	if !isComparable(payload) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.staged[owner]
	for i, st := range list {
		if st.Supplier == nil && st.Value == payload {
			s.staged[owner] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Track marks owners as touched by this unit of work.
func (s *Scope) Track(owners ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range owners {
		s.touch(o)
	}
}

// Persist registers entities to be saved before release and tracks them.
func (s *Scope) Persist(entities ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.touch(e)
		s.entities = append(s.entities, e)
	}
}

// Owners lists touched owners in first-touch order.
func (s *Scope) Owners() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.owners...)
}

// Drain pops everything staged for owners plus the nil owner.
func (s *Scope) Drain(owners []any) []*Staged {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Staged
	done := make(map[any]bool, len(owners)+1)
	for _, o := range append(append([]any(nil), owners...), nil) {
		if !isComparable(o) || done[o] {
			continue
		}
		done[o] = true
		out = append(out, s.staged[o]...)
		delete(s.staged, o)
	}
	return out
}

// InTransaction reports whether a transaction will commit this scope.
func (s *Scope) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// AfterCommit defers fn until commit, or runs it now without a transaction.
func (s *Scope) AfterCommit(ctx context.Context, fn func(context.Context)) {
	s.mu.Lock()
	if s.inTx {
		s.afterCommit = append(s.afterCommit, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(ctx)
}

func (s *Scope) takeAfterCommit() []func(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fns := s.afterCommit
	s.afterCommit = nil
	return fns
}

func (s *Scope) takeEntities() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	es := s.entities
	s.entities = nil
	return es
}

// Clear drops all staged state.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = nil
	s.seen = make(map[any]bool)
	s.staged = make(map[any][]*Staged)
	s.entities = nil
	s.afterCommit = nil
}

func isComparable(v any) bool {
	return v == nil || reflect.TypeOf(v).Comparable()
}
