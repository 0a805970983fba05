package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstThenReject(t *testing.T) {
	l := newLimiter(1, 2, time.Minute)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return at }

	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))
}

func TestLimiter_EvictsIdleClients(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newLimiter(5, 5, time.Minute)
	l.lastSweep = at
	l.now = func() time.Time { return at }
	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	assert.Equal(t, 2, l.size())

	at = at.Add(40 * time.Second)
	l.allow("10.0.0.2")
	assert.Equal(t, 2, l.size())

	at = at.Add(30 * time.Second)
	l.allow("10.0.0.3")
	assert.Equal(t, 2, l.size())
	assert.NotContains(t, l.clients, "10.0.0.1")
	assert.Contains(t, l.clients, "10.0.0.2")
}
