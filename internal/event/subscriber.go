package event

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/codec"
)

// Subscriber handles in-process delivery of one payload type.
type Subscriber interface {
	OnEvent(ctx context.Context, payload any) error
}

type typedSubscriber[T any] struct {
	fn func(context.Context, *T) error
}

func (s *typedSubscriber[T]) OnEvent(ctx context.Context, payload any) error {
	p, ok := payload.(*T)
	if !ok {
		return fmt.Errorf("subscriber for %T got %T", p, payload)
	}
	return s.fn(ctx, p)
}

// On subscribes fn to T's type tag and returns the handle for Unsubscribe.
func On[T codec.Named](subs *Subscribers, fn func(context.Context, *T) error) Subscriber {
	var zero T
	s := &typedSubscriber[T]{fn: fn}
	subs.Subscribe(zero.TypeName(), s)
	return s
}

// Subscribers fans payloads out by type tag.
type Subscribers struct {
	mu   sync.RWMutex
	byTy map[string][]Subscriber
	log  *zap.SugaredLogger
}

func NewSubscribers(log *zap.SugaredLogger) *Subscribers {
	return &Subscribers{byTy: make(map[string][]Subscriber), log: log}
}

func (r *Subscribers) Subscribe(typeName string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTy[typeName] = append(r.byTy[typeName], s)
}

// Unsubscribe removes s. Subscribers of non-comparable types never match.
func (r *Subscribers) Unsubscribe(typeName string, s Subscriber) bool {
	if !reflect.TypeOf(s).Comparable() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byTy[typeName]
	for i, x := range list {
		if reflect.TypeOf(x).Comparable() && x == s {
			r.byTy[typeName] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Subscribers) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTy[typeName]) > 0
}

// Dispatch calls every subscriber of payload's type. A failing subscriber
// does not stop its siblings; failures come back aggregated.
func (r *Subscribers) Dispatch(ctx context.Context, payload any) error {
	n, ok := payload.(codec.Named)
	if !ok {
		return fmt.Errorf("%w: %T", codec.ErrUnnamed, payload)
	}
	r.mu.RLock()
	list := r.byTy[n.TypeName()]
	r.mu.RUnlock()

	var errs error
	for _, s := range list {
		if err := r.call(ctx, s, payload); err != nil {
			r.log.Errorw("subscriber failed", "type", n.TypeName(), "err", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (r *Subscribers) call(ctx context.Context, s Subscriber, payload any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber panic: %v", p)
		}
	}()
	return s.OnEvent(ctx, payload)
}
