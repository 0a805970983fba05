package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type greeter interface{ Greet(log *[]string) }

type plain string

func (p plain) Greet(log *[]string) { *log = append(*log, string(p)) }

type ranked struct {
	name  string
	order int
}

func (r ranked) Order() int          { return r.order }
func (r ranked) Greet(log *[]string) { *log = append(*log, r.name) }

type silent struct{}

func TestChain_OrderAndFiltering(t *testing.T) {
	c := New(plain("p1"), ranked{"r5", 5}, silent{}, ranked{"r-1", -1}, plain("p2"), ranked{"r5b", 5})
	var got []string
	Each(c, func(g greeter) { g.Greet(&got) })
	assert.Equal(t, []string{"r-1", "r5", "r5b", "p1", "p2"}, got)
	assert.Equal(t, 6, c.Len())
}

func TestChain_NilIsEmpty(t *testing.T) {
	var c *Chain
	called := false
	Each(c, func(g greeter) { called = true })
	assert.False(t, called)
	assert.Equal(t, 0, c.Len())
}
