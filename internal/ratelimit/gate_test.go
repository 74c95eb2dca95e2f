package ratelimit

import (
	"testing"
	"time"
)

func TestGateBlocksWithinInterval(t *testing.T) {
	base := time.Unix(1000, 0)
	g := NewGate(250 * time.Millisecond)

	if !g.Attempt(base) {
		t.Fatal("first attempt should succeed")
	}
	if g.Attempt(base.Add(100 * time.Millisecond)) {
		t.Error("attempt within interval should fail")
	}
	if !g.Attempt(base.Add(250 * time.Millisecond)) {
		t.Error("attempt at exactly one interval should succeed")
	}
}

func TestGateFailedAttemptDoesNotAdvance(t *testing.T) {
	base := time.Unix(1000, 0)
	g := NewGate(time.Second)

	g.Attempt(base)
	for i := 0; i < 5; i++ {
		g.Attempt(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if !g.Attempt(base.Add(time.Second)) {
		t.Error("failed attempts must not extend the cooldown")
	}
}

func TestGateSetIntervalShiftsCooldown(t *testing.T) {
	base := time.Unix(1000, 0)
	g := NewGate(time.Second)
	g.Attempt(base)

	// Shrinking the interval by 500ms moves the pending cooldown closer
	// by the same delta instead of resetting it.
	g.SetInterval(500 * time.Millisecond)
	if g.Attempt(base.Add(400 * time.Millisecond)) {
		t.Error("cooldown should still be pending at 400ms")
	}
	if !g.Attempt(base.Add(500 * time.Millisecond)) {
		t.Error("cooldown should have shifted to 500ms")
	}
}
