package ratelimit

import "time"

// Chain permits at most num events per rolling interval. Each successful
// attempt records a timestamp; expired ones are dropped before counting.
type Chain struct {
	num      int
	interval time.Duration
	stamps   []time.Time
}

func NewChain(num int, interval time.Duration) *Chain {
	return &Chain{num: num, interval: interval}
}

func (c *Chain) Attempt(now time.Time) bool {
	cutoff := now.Add(-c.interval)

	kept := c.stamps[:0]
	for _, t := range c.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.stamps = kept

	if len(c.stamps) >= c.num {
		return false
	}
	c.stamps = append(c.stamps, now)
	return true
}
