// Package intercept keeps interceptors in a deterministic priority order.
// Interceptors opt into hooks by implementing the hook interfaces their
// consumers define; Each picks the ones implementing a given hook.
package intercept

import (
	"math"
	"sort"
	"sync"
)

// Ordered lets an interceptor declare its priority; lower runs first.
// Interceptors without it run last.
type Ordered interface {
	Order() int
}

type entry struct {
	order int
	seq   int
	v     any
}

// Chain is safe for concurrent use. Ties keep registration order.
type Chain struct {
	mu   sync.RWMutex
	seq  int
	list []entry
}

func New(vs ...any) *Chain {
	c := &Chain{}
	c.Add(vs...)
	return c
}

func (c *Chain) Add(vs ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range vs {
		order := math.MaxInt32
		if o, ok := v.(Ordered); ok {
			order = o.Order()
		}
		c.list = append(c.list, entry{order: order, seq: c.seq, v: v})
		c.seq++
	}
	sort.SliceStable(c.list, func(i, j int) bool {
		if c.list[i].order != c.list[j].order {
			return c.list[i].order < c.list[j].order
		}
		return c.list[i].seq < c.list[j].seq
	})
}

func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.list)
}

func (c *Chain) snapshot() []entry {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]entry(nil), c.list...)
}

// Each calls fn for every interceptor implementing H, in priority order.
func Each[H any](c *Chain, fn func(H)) {
	for _, e := range c.snapshot() {
		if h, ok := e.v.(H); ok {
			fn(h)
		}
	}
}
