package util

import "time"

// SkipThrottler lets an event through at most once per period and counts
// the events it swallowed in between.
type SkipThrottler struct {
	d       time.Duration
	last    time.Time
	skipped int
}

func NewSkipThrottler(d time.Duration) *SkipThrottler {
	return &SkipThrottler{d: d}
}

// Ok reports whether the event may pass.
func (tt *SkipThrottler) Ok() bool {
	now := time.Now()
	if !tt.last.IsZero() && now.Sub(tt.last) < tt.d {
		tt.skipped++
		return false
	}
	tt.last = now
	return true
}

// Skipped returns the number of events swallowed since the last pass, and
// resets the count.
func (tt *SkipThrottler) Skipped() int {
	n := tt.skipped
	tt.skipped = 0
	return n
}
