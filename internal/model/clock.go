package model

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Timestamp orders drafts. It is unix nanoseconds, only ever compared.
type Timestamp int64

func (t Timestamp) String() string {
	return strconv.FormatInt(int64(t), 10)
}

func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)).UTC()
}

func ParseTimestamp(s string) (Timestamp, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Timestamp(v), nil
}

// Clock hands out strictly increasing timestamps, even when the wall clock
// stalls or steps backwards.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Next() Timestamp {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	for {
		last := c.last.Load()
		next := now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return Timestamp(next)
		}
	}
}

var defaultClock = NewClock()

// Now returns the next timestamp of the process-wide clock.
func Now() Timestamp {
	return defaultClock.Next()
}
