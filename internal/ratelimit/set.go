package ratelimit

import "time"

// ChainSpec configures one sliding-window chain.
type ChainSpec struct {
	Num      int           `mapstructure:"num"`
	Interval time.Duration `mapstructure:"interval"`
}

// TableSpec is one rate-limit tier as loaded from config: gate intervals and
// chain windows keyed by wire message type.
type TableSpec struct {
	Normal map[string]time.Duration `mapstructure:"normal"`
	Chains map[string]ChainSpec     `mapstructure:"chains"`
}

// Set is a constructed limiter set for one socket. Sockets get a fresh Set
// whenever their tier changes so cooldown state does not leak across tiers.
type Set struct {
	normal map[string]*Gate
	chains map[string]*Chain
}

func NewSet(spec TableSpec) *Set {
	s := &Set{
		normal: make(map[string]*Gate, len(spec.Normal)),
		chains: make(map[string]*Chain, len(spec.Chains)),
	}
	for id, interval := range spec.Normal {
		s.normal[id] = NewGate(interval)
	}
	for id, cs := range spec.Chains {
		s.chains[id] = NewChain(cs.Num, cs.Interval)
	}
	return s
}

// AttemptGate runs the fixed-interval gate for a message type. Unknown
// message types are allowed; the dispatch table already rejects garbage.
func (s *Set) AttemptGate(id string, now time.Time) bool {
	g, ok := s.normal[id]
	if !ok {
		return true
	}
	return g.Attempt(now)
}

// AttemptChain runs the sliding-window chain for a message type.
func (s *Set) AttemptChain(id string, now time.Time) bool {
	c, ok := s.chains[id]
	if !ok {
		return true
	}
	return c.Attempt(now)
}
