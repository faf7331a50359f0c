package metrics

import (
	"math"
	"testing"
)

func TestEWMAConvergesToConstantInput(t *testing.T) {
	e := NewEWMA(5)
	const x = 42.0
	prevDiff := math.Abs(x - e.Value())
	for i := 0; i < 1000; i++ {
		e.Update(0.1, x)
		diff := math.Abs(x - e.Value())
		if diff > prevDiff {
			t.Fatalf("average diverged at step %d: |%v - %v| > %v", i, e.Value(), x, prevDiff)
		}
		prevDiff = diff
	}
	if prevDiff > 1e-6 {
		t.Fatalf("expected convergence to %v, got %v", x, e.Value())
	}
}

func TestEWMAExponentialBound(t *testing.T) {
	// |s_t - x| <= |s_0 - x| * exp(-t/tau) for constant input.
	const tau = 60.0
	const x = 10.0
	e := NewEWMA(tau)
	elapsed := 0.0
	for i := 0; i < 600; i++ {
		e.Update(1, x)
		elapsed++
		bound := x * math.Exp(-elapsed/tau)
		if diff := math.Abs(x - e.Value()); diff > bound+1e-9 {
			t.Fatalf("after %vs: |s - x| = %v exceeds bound %v", elapsed, diff, bound)
		}
	}
}

func TestEWMAIgnoresNonPositiveInterval(t *testing.T) {
	e := NewEWMA(5)
	e.Update(1, 100)
	before := e.Value()
	e.Update(0, 0)
	e.Update(-1, 0)
	if e.Value() != before {
		t.Fatalf("value changed on non-positive dt: %v != %v", e.Value(), before)
	}
}

func TestResponsivenessTracksAllWindows(t *testing.T) {
	r := NewResponsiveness()
	for i := 0; i < 10000; i++ {
		r.Update(1, 7)
	}
	vals := r.Values()
	for i, v := range vals {
		if math.Abs(v-7) > 0.05 {
			t.Fatalf("window %d did not converge: %v", i, v)
		}
	}
	// The shortest window must converge at least as fast as the longest.
	r2 := NewResponsiveness()
	r2.Update(1, 7)
	vals = r2.Values()
	if vals[0] <= vals[3] {
		t.Fatalf("5s window (%v) should lead 15m window (%v)", vals[0], vals[3])
	}
}
