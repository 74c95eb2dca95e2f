// Package ratelimit holds the backpressure primitives used by the channel
// engine: a fixed-interval gate, a sliding-window chain, and the decaying
// note quota sized for bursty timed-event traffic.
package ratelimit

import "time"

// Gate permits one event per interval. State is a single "next allowed"
// timestamp; a failed attempt leaves it untouched.
type Gate struct {
	after    time.Time
	interval time.Duration
}

func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Attempt succeeds iff now is at or past the next-allowed point, and then
// pushes the next-allowed point forward by the interval.
func (g *Gate) Attempt(now time.Time) bool {
	if now.Before(g.after) {
		return false
	}
	g.after = now.Add(g.interval)
	return true
}

// SetInterval shifts the pending cooldown by the delta instead of resetting
// it, so an in-flight cooldown is neither extended nor shortened unfairly.
func (g *Gate) SetInterval(interval time.Duration) {
	g.after = g.after.Add(interval - g.interval)
	g.interval = interval
}
