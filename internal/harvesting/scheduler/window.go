package scheduler

import (
	"fmt"
	"time"
)

// ParseClock parses an "HH:MM" wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window start %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// NextWindow returns the next cycle start after now: the first daily anchor
// at start (HH:MM in loc) strictly after now, plus an offset drawn from
// [0, jitter). The anchor is chosen before the offset is added, so a cycle
// that ends inside today's jitter window is next run tomorrow. rnd returns a
// value in [0, n) and may be nil when jitter is not positive.
func NextWindow(now time.Time, start string, loc *time.Location, jitter time.Duration, rnd func(n int64) int64) (time.Time, error) {
	hour, minute, err := ParseClock(start)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	local := now.In(loc)
	anchor := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !anchor.After(now) {
		anchor = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}

	if jitter > 0 && rnd != nil {
		anchor = anchor.Add(time.Duration(rnd(int64(jitter))))
	}
	return anchor, nil
}
