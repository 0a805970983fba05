package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOp(maxTries int, p *Policy) *Operation {
	op := &Operation{}
	op.Init(t0, 30*time.Minute, maxTries, 0, p)
	return op
}

func TestBegin_ExhaustsAtMaxTries(t *testing.T) {
	op := newOp(3, nil)
	now := t0
	for i := 1; i <= 3; i++ {
		require.True(t, op.Begin(now), "attempt %d", i)
		assert.Equal(t, i, op.TriedCount)
		now = op.NextTryAt
	}
	assert.False(t, op.Begin(now))
	assert.Equal(t, StateExhausted, op.State)
	assert.Equal(t, 3, op.TriedCount)

	// stays exhausted
	assert.False(t, op.Begin(now.Add(time.Minute)))
	assert.Equal(t, StateExhausted, op.State)
	assert.Equal(t, 3, op.TriedCount)
}

func TestBegin_ExpiredRegardlessOfBudget(t *testing.T) {
	op := newOp(100, nil)
	assert.False(t, op.Begin(op.ExpireAt.Add(time.Second)))
	assert.Equal(t, StateExpired, op.State)
	assert.Equal(t, 0, op.TriedCount)
}

func TestBegin_NotYetDue(t *testing.T) {
	op := newOp(5, nil)
	require.True(t, op.Begin(t0))
	before := *op
	assert.False(t, op.Begin(t0.Add(30*time.Second)))
	assert.Equal(t, before, *op)
}

func TestBegin_SameInstantIgnoresSchedule(t *testing.T) {
	op := newOp(5, nil)
	require.True(t, op.Begin(t0))
	require.True(t, op.Begin(t0))
	assert.Equal(t, 2, op.TriedCount)
}

func TestExecutedIsFinal(t *testing.T) {
	op := newOp(5, nil)
	require.True(t, op.Begin(t0))
	op.End(t0)
	snapshot := *op

	assert.False(t, op.Cancel(t0))
	op.OccurredException(t0, errors.New("boom"))
	assert.False(t, op.Begin(op.NextTryAt))
	op.End(t0.Add(time.Hour))

	assert.Equal(t, snapshot, *op)
}

func TestCancel(t *testing.T) {
	op := newOp(5, nil)
	assert.True(t, op.Cancel(t0))
	assert.Equal(t, StateCancelled, op.State)
	assert.False(t, op.Cancel(t0))
	assert.False(t, op.Begin(t0))
}

func TestOccurredException_StoresTrace(t *testing.T) {
	op := newOp(5, nil)
	require.True(t, op.Begin(t0))
	op.OccurredException(t0, errors.New("subscriber failed"))
	assert.Equal(t, StateException, op.State)
	assert.Contains(t, op.Exception, "subscriber failed")
	assert.True(t, op.State.Valid())
}

func TestFail_IsTerminal(t *testing.T) {
	op := newOp(5, nil)
	require.True(t, op.Begin(t0))
	op.Fail(t0, errors.New("unknown type"))
	assert.Equal(t, StateExhausted, op.State)
	assert.Contains(t, op.Exception, "unknown type")
	assert.False(t, op.Begin(op.NextTryAt))
	assert.False(t, op.Cancel(t0))
}

func TestDefaultBackoffBoundaries(t *testing.T) {
	cases := map[int]time.Duration{
		1: time.Minute, 10: time.Minute,
		11: 5 * time.Minute, 20: 5 * time.Minute,
		21: 10 * time.Minute, 50: 10 * time.Minute,
	}
	for tried, want := range cases {
		op := newOp(100, nil)
		op.TriedCount = tried - 1
		require.True(t, op.Begin(t0))
		assert.Equal(t, tried, op.TriedCount)
		assert.Equal(t, want, op.NextTryAt.Sub(t0), "tried=%d", tried)
	}
}

func TestCustomPolicyBackoff(t *testing.T) {
	p := &Policy{MaxTries: 7, ExpireMinutes: 120, Intervals: []int{1, 2, 5, 10, 15}}
	for k := 1; k <= 7; k++ {
		op := newOp(16, p)
		op.TriedCount = k - 1
		require.True(t, op.Begin(t0))
		idx := k - 1
		if idx > 4 {
			idx = 4
		}
		assert.Equal(t, time.Duration(p.Intervals[idx])*time.Minute, op.NextTryAt.Sub(t0), "k=%d", k)
	}
}

func TestCustomPolicyOverridesBudget(t *testing.T) {
	op := newOp(16, &Policy{MaxTries: 3, ExpireMinutes: 90})
	assert.Equal(t, 3, op.MaxTries)
	assert.Equal(t, t0.Add(90*time.Minute), op.ExpireAt)
}

func TestResume_OverdueStartsFromNow(t *testing.T) {
	op := &Operation{}
	op.Init(t0.Add(-45*time.Minute), 2*time.Hour, 16, 1, nil)

	executing, err := op.Resume(t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, executing)
	assert.Equal(t, StateExecuting, op.State)
	assert.Equal(t, 2, op.TriedCount)
	assert.Equal(t, t0, op.LastTryAt)
	assert.Equal(t, t0.Add(time.Minute), op.NextTryAt)
}

func TestResume_FastForwardsToFloor(t *testing.T) {
	op := &Operation{}
	op.Init(t0.Add(-25*time.Minute), 24*time.Hour, 16, 1, nil)

	executing, err := op.Resume(t0, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, executing)
	assert.Equal(t, 4, op.TriedCount)
	assert.Equal(t, t0.Add(3*time.Minute), op.NextTryAt)
}

func TestResume_FutureNextTryIsKept(t *testing.T) {
	op := &Operation{}
	op.Init(t0, time.Hour, 16, 1, nil)
	next := op.NextTryAt
	require.True(t, next.After(t0))

	executing, err := op.Resume(t0, t0)
	require.NoError(t, err)
	assert.True(t, executing)
	assert.Equal(t, next, op.LastTryAt)
	assert.Equal(t, 2, op.TriedCount)
}

func TestResume_StopsWhenInvalid(t *testing.T) {
	op := &Operation{}
	op.Init(t0.Add(-2*time.Hour), 24*time.Hour, 2, 2, nil)
	executing, err := op.Resume(t0, t0)
	require.NoError(t, err)
	assert.False(t, executing)
	assert.Equal(t, StateExhausted, op.State)
	assert.Equal(t, 2, op.TriedCount)

	op.Init(t0.Add(-2*time.Hour), time.Hour, 16, 1, nil)
	executing, err = op.Resume(t0, t0)
	require.NoError(t, err)
	assert.False(t, executing)
	assert.Equal(t, StateExpired, op.State)
}

func TestResume_CeilingIsFatal(t *testing.T) {
	op := newOp(1<<20, &Policy{MaxTries: 1 << 20, ExpireMinutes: 525600, Intervals: []int{0}})
	_, err := op.Resume(t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrResumeCeiling)
}

func TestParseState(t *testing.T) {
	s, ok := ParseState("-4")
	assert.True(t, ok)
	assert.Equal(t, StateExhausted, s)
	s, ok = ParseState("EXECUTED")
	assert.True(t, ok)
	assert.Equal(t, StateExecuted, s)
	_, ok = ParseState("7")
	assert.False(t, ok)
}
