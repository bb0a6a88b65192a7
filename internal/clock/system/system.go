// Package system provides the wall clock used for scraped_at and claim stamps.
package system

import "time"

// Clock reads the wall clock in UTC, truncated to a fixed precision so that
// timestamps round-trip through SQLite text columns and JSON unchanged.
type Clock struct {
	precision time.Duration
}

// New returns a millisecond-precision clock.
func New() Clock {
	return Clock{precision: time.Millisecond}
}

// Now implements crawler.Clock.
func (c Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.precision <= 0 {
		return now
	}
	return now.Truncate(c.precision)
}
