// Package codec maps stable type tags to payload types so records can be
// stored as opaque blobs and decoded without reflection on class names.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/richardliu001/courier/internal/retry"
)

var (
	// ErrUnknownType is fatal for the record carrying the blob.
	ErrUnknownType   = errors.New("codec: unknown type")
	ErrDuplicateType = errors.New("codec: type already registered")
	ErrUnnamed       = errors.New("codec: value does not implement Named")
)

// Named is implemented by every payload, param and result.
type Named interface {
	TypeName() string
}

// Descriptor carries the per-type metadata consulted at staging and dispatch.
type Descriptor struct {
	Name string
	// New returns a pointer to a zero value to decode into.
	New         func() any
	Topic       string
	Integration bool
	Persist     bool
	Retry       *retry.Policy
}

// Option tweaks a Descriptor built by Of.
type Option func(*Descriptor)

// Integration routes the type to out-of-process transports. Integration
// records are always stored before they are published.
func Integration(topic string) Option {
	return func(d *Descriptor) {
		d.Integration = true
		d.Persist = true
		d.Topic = topic
	}
}

// Persist forces records of the type to be stored before dispatch.
func Persist() Option { return func(d *Descriptor) { d.Persist = true } }

// WithRetry sets a custom retry policy.
func WithRetry(p retry.Policy) Option { return func(d *Descriptor) { d.Retry = &p } }

// Of builds a Descriptor for T. Decoded values are *T.
func Of[T Named](opts ...Option) Descriptor {
	var zero T
	d := Descriptor{Name: zero.TypeName(), New: func() any { return new(T) }}
	for _, o := range opts {
		o(&d)
	}
	return d
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Descriptor)}
}

// Register adds d; names must be unique.
func (r *Registry) Register(ds ...Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if d.Name == "" || d.New == nil {
			return fmt.Errorf("codec: incomplete descriptor %q", d.Name)
		}
		if _, ok := r.types[d.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateType, d.Name)
		}
		r.types[d.Name] = d
	}
	return nil
}

// MustRegister panics on registration errors; meant for wiring code.
func (r *Registry) MustRegister(ds ...Descriptor) {
	if err := r.Register(ds...); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[name]
	return d, ok
}

// Describe returns the descriptor of v's type tag.
func (r *Registry) Describe(v any) (Descriptor, error) {
	n, ok := v.(Named)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %T", ErrUnnamed, v)
	}
	d, ok := r.Lookup(n.TypeName())
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownType, n.TypeName())
	}
	return d, nil
}

// Encode returns the type tag and blob of v. A nil v encodes to empty strings.
func (r *Registry) Encode(v any) (string, string, error) {
	if v == nil {
		return "", "", nil
	}
	d, err := r.Describe(v)
	if err != nil {
		return "", "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("codec: encode %s: %w", d.Name, err)
	}
	return d.Name, string(b), nil
}

// Decode turns a stored blob back into a value. An empty name decodes to nil.
func (r *Registry) Decode(name, blob string) (any, error) {
	if name == "" {
		return nil, nil
	}
	d, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	v := d.New()
	if err := json.Unmarshal([]byte(blob), v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownType, name, err)
	}
	return v, nil
}
