package request

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/richardliu001/courier/internal/codec"
)

var (
	ErrNoHandler        = errors.New("request: no handler registered")
	ErrDuplicateHandler = errors.New("request: handler already registered")
	ErrParamType        = errors.New("request: unexpected param type")
)

// Handler executes one request type.
type Handler interface {
	Handle(ctx context.Context, param any) (any, error)
}

type HandlerFunc func(ctx context.Context, param any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, param any) (any, error) { return f(ctx, param) }

// Handlers maps param type tags to handlers. Params and results go through
// the shared codec registry so records can be replayed after a restart.
type Handlers struct {
	reg *codec.Registry

	mu sync.RWMutex
	m  map[string]Handler
}

func NewHandlers(reg *codec.Registry) *Handlers {
	return &Handlers{reg: reg, m: make(map[string]Handler)}
}

func (h *Handlers) Registry() *codec.Registry { return h.reg }

// Add binds hd to the param type name. The type must already be in the registry.
func (h *Handlers) Add(name string, hd Handler) error {
	if _, ok := h.reg.Lookup(name); !ok {
		return fmt.Errorf("%w: %s", codec.ErrUnknownType, name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.m[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	h.m[name] = hd
	return nil
}

// Lookup finds the handler for param's type tag.
func (h *Handlers) Lookup(param any) (Handler, codec.Descriptor, error) {
	d, err := h.reg.Describe(param)
	if err != nil {
		return nil, d, err
	}
	h.mu.RLock()
	hd, ok := h.m[d.Name]
	h.mu.RUnlock()
	if !ok {
		return nil, d, fmt.Errorf("%w: %s", ErrNoHandler, d.Name)
	}
	return hd, d, nil
}

// Register binds fn to param type P, adding P (with opts) and R to the codec
// registry when they are not there yet.
func Register[P codec.Named, R codec.Named](h *Handlers, fn func(ctx context.Context, p *P) (*R, error), opts ...codec.Option) error {
	pd := codec.Of[P](opts...)
	if err := ensure(h.reg, pd); err != nil {
		return err
	}
	if err := ensure(h.reg, codec.Of[R]()); err != nil {
		return err
	}
	return h.Add(pd.Name, HandlerFunc(func(ctx context.Context, param any) (any, error) {
		var p *P
		switch v := param.(type) {
		case *P:
			p = v
		case P:
			p = &v
		default:
			return nil, fmt.Errorf("%w: %T for %s", ErrParamType, param, pd.Name)
		}
		r, err := fn(ctx, p)
		if err != nil || r == nil {
			return nil, err
		}
		return r, nil
	}))
}

// MustRegister panics on registration errors; meant for wiring code.
func MustRegister[P codec.Named, R codec.Named](h *Handlers, fn func(ctx context.Context, p *P) (*R, error), opts ...codec.Option) {
	if err := Register(h, fn, opts...); err != nil {
		panic(err)
	}
}

func ensure(reg *codec.Registry, d codec.Descriptor) error {
	if _, ok := reg.Lookup(d.Name); ok {
		return nil
	}
	if err := reg.Register(d); err != nil && !errors.Is(err, codec.ErrDuplicateType) {
		return err
	}
	return nil
}
