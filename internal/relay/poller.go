package relay

import (
	"context"
	"time"
)

const (
	DefaultPollMin = 250 * time.Millisecond
	DefaultPollMax = 5 * time.Second
)

// Poller re-reads a key on a decaying schedule. It starts at Min, doubles
// after every unchanged read up to Max, and drops back to Min on a change.
type Poller struct {
	Min time.Duration
	Max time.Duration
}

func (p Poller) bounds() (time.Duration, time.Duration) {
	lo, hi := p.Min, p.Max
	if lo <= 0 {
		lo = DefaultPollMin
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// NextInterval returns the wait after a read that took place at current.
func (p Poller) NextInterval(current time.Duration, changed bool) time.Duration {
	lo, hi := p.bounds()
	if changed || current < lo {
		return lo
	}
	next := current * 2
	if next > hi || next <= 0 {
		return hi
	}
	return next
}

// Run calls read until ctx is done. read reports whether the value changed.
func (p Poller) Run(ctx context.Context, read func(context.Context) bool) {
	interval, _ := p.bounds()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		changed := read(ctx)
		interval = p.NextInterval(interval, changed)
		timer.Reset(interval)
	}
}
