package retry

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Immediately is the next-try sentinel meaning "due now, ignore the schedule".
var Immediately = time.Unix(0, 0).UTC()

// ResumeCeiling bounds the fast-forward loop of Resume.
const ResumeCeiling = 65535

// ErrResumeCeiling means a record could not be fast-forwarded to its target.
// The backoff schedule is too slow for the gap, which needs an operator.
var ErrResumeCeiling = errors.New("retry: resume exceeded iteration ceiling")

const maxTraceLen = 8000

// Retryable is the transition surface every record kind exposes.
type Retryable interface {
	Begin(now time.Time) bool
	Cancel(now time.Time) bool
	OccurredException(now time.Time, err error)
	RetryPolicy() *Policy
}

// Operation holds the attempt history of one deferred operation.
// Record models embed it so the transitions live in one place.
type Operation struct {
	State State `gorm:"not null;default:0;index"`
	// CreatedAt is the requested schedule instant.
	CreatedAt  time.Time `gorm:"not null;index"`
	ExpireAt   time.Time `gorm:"not null;index"`
	LastTryAt  time.Time `gorm:"not null"`
	NextTryAt  time.Time `gorm:"not null;index"`
	TriedCount int       `gorm:"not null;default:0"`
	MaxTries   int       `gorm:"not null;default:0"`
	Exception  string    `gorm:"type:text"`

	policy *Policy
}

// Init resets the operation for a fresh schedule. A policy overrides the
// try ceiling and expiry offset when it sets them.
func (o *Operation) Init(scheduleAt time.Time, expireAfter time.Duration, maxTries, tried int, p *Policy) {
	o.policy = p
	if p != nil && p.MaxTries > 0 {
		maxTries = p.MaxTries
	}
	if p != nil && p.ExpireMinutes > 0 {
		expireAfter = time.Duration(p.ExpireMinutes) * time.Minute
	}
	o.State = StateInit
	o.CreatedAt = scheduleAt
	o.ExpireAt = scheduleAt.Add(expireAfter)
	o.MaxTries = maxTries
	o.TriedCount = tried
	o.LastTryAt = scheduleAt
	o.NextTryAt = scheduleAt.Add(p.Delay(tried))
	o.Exception = ""
}

// SetPolicy attaches the per-type policy to a loaded record.
func (o *Operation) SetPolicy(p *Policy) { o.policy = p }

func (o *Operation) RetryPolicy() *Policy { return o.policy }

// Begin tries to start an attempt at now. A false return is a business
// outcome (not due, exhausted, expired, terminal), never an error.
func (o *Operation) Begin(now time.Time) bool {
	if !o.State.Valid() {
		return false
	}
	if o.TriedCount >= o.MaxTries {
		o.State = StateExhausted
		return false
	}
	if now.After(o.ExpireAt) {
		o.State = StateExpired
		return false
	}
	if !o.LastTryAt.Equal(now) && o.NextTryAt.After(now) {
		return false
	}
	o.State = StateExecuting
	o.LastTryAt = now
	o.TriedCount++
	o.NextTryAt = now.Add(o.policy.Delay(o.TriedCount))
	return true
}

// End marks the operation executed. Repeated calls are no-ops.
func (o *Operation) End(now time.Time) {
	o.State = StateExecuted
}

// Cancel is rejected once the operation reached a terminal state.
func (o *Operation) Cancel(now time.Time) bool {
	if o.State == StateExecuted || o.State.Invalid() {
		return false
	}
	o.State = StateCancelled
	return true
}

// OccurredException records err and makes the operation eligible for retry.
func (o *Operation) OccurredException(now time.Time, err error) {
	if o.State == StateExecuted {
		return
	}
	o.State = StateException
	o.Exception = Trace(err)
}

// Fail records an error no retry can fix, such as an unknown payload type.
// The operation ends EXHAUSTED so sweeps leave it alone.
func (o *Operation) Fail(now time.Time, err error) {
	if o.State == StateExecuted {
		return
	}
	o.State = StateExhausted
	o.Exception = Trace(err)
}

// Executing reports whether an attempt is in flight.
func (o *Operation) Executing() bool { return o.State == StateExecuting }

// Resume starts an attempt for an overdue operation at now, or at its next
// try when that is still ahead, then fast-forwards until the next try reaches
// floor without doing the work. Slots missed while overdue cost nothing. It
// reports whether the operation ended up with an attempt in flight.
func (o *Operation) Resume(now, floor time.Time) (bool, error) {
	at := now
	if o.NextTryAt.After(now) {
		at = o.NextTryAt
	}
	o.Begin(at)
	for n := 0; o.State.Valid() && o.NextTryAt.Before(floor); n++ {
		if n >= ResumeCeiling {
			return false, fmt.Errorf("%w: next try %s, floor %s", ErrResumeCeiling, o.NextTryAt, floor)
		}
		o.Begin(o.NextTryAt)
	}
	return o.State == StateExecuting, nil
}

// Trace formats err with a stack for the exception column.
func Trace(err error) string {
	if err == nil {
		return ""
	}
	type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
	var st stackTracer
	if !errors.As(err, &st) {
		err = pkgerrors.WithStack(err)
	}
	s := fmt.Sprintf("%+v", err)
	if len(s) > maxTraceLen {
		s = s[:maxTraceLen]
	}
	return s
}

// Now is the clock used for transitions, truncated to what every store keeps.
func Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
