package retry

import "time"

// Policy is a per-type override of the retry budget and backoff schedule.
type Policy struct {
	MaxTries      int
	ExpireMinutes int
	// Intervals are per-attempt delays in minutes; the last one repeats.
	Intervals []int
}

// Delay returns the wait before the next attempt once tried attempts were made.
func (p *Policy) Delay(tried int) time.Duration {
	if p == nil || len(p.Intervals) == 0 {
		return DefaultDelay(tried)
	}
	idx := tried - 1
	if idx >= len(p.Intervals) {
		idx = len(p.Intervals) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return time.Duration(p.Intervals[idx]) * time.Minute
}

// DefaultDelay is 1 minute for the first 10 attempts, 5 up to 20, then 10.
func DefaultDelay(tried int) time.Duration {
	switch {
	case tried <= 10:
		return time.Minute
	case tried <= 20:
		return 5 * time.Minute
	default:
		return 10 * time.Minute
	}
}
