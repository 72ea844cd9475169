package event

import (
	"sync/atomic"
	"time"
)

// Timestamp orders events by wall time, breaking ties with a logical counter
// assigned at construction.
type Timestamp struct {
	Wall    time.Time `json:"wall"`
	Logical uint64    `json:"logical"`
}

// Compare returns -1, 0 or +1 depending on whether t is before, equal to or
// after other.
func (t Timestamp) Compare(other Timestamp) int {
	if c := t.Wall.Compare(other.Wall); c != 0 {
		return c
	}
	switch {
	case t.Logical < other.Logical:
		return -1
	case t.Logical > other.Logical:
		return 1
	default:
		return 0
	}
}

// Before reports whether t orders before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Compare(other) < 0
}

// Clock hands out wall times and a strictly increasing logical counter.
type Clock struct {
	now     func() time.Time
	logical atomic.Uint64
}

// NewClock creates a clock backed by now. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the current wall time in UTC without a monotonic reading.
func (c *Clock) Now() time.Time {
	return normalizeTime(c.now())
}

// Stamp pairs wall with the next logical counter value.
func (c *Clock) Stamp(wall time.Time) Timestamp {
	return Timestamp{Wall: normalizeTime(wall), Logical: c.logical.Add(1)}
}

// systemClock backs events built without WithClock. It holds no settings,
// only the logical counter, so that every such event in the process orders
// against every other.
var systemClock = NewClock(time.Now)

// SystemClock returns the clock used when no other is given.
func SystemClock() *Clock {
	return systemClock
}
