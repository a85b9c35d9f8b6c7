package decay

import "testing"

func TestLUTZeroRateNeverDecays(t *testing.T) {
	l := New()
	if f := l.FactorForRate(0, 0); f != 1.0 {
		t.Errorf("zero-rate factor at t=0 = %v, want 1.0", f)
	}
	if f := l.FactorForRate(0, 3600); f != 1.0 {
		t.Errorf("zero-rate factor at t=3600 = %v, want 1.0", f)
	}
}

func TestLUTDecaysOverTime(t *testing.T) {
	l := New()
	f1 := l.FactorForRate(0.5, 1.0)
	f10 := l.FactorForRate(0.5, 10.0)
	if !(f10 < f1) {
		t.Errorf("factor at t=10 (%v) should be less than at t=1 (%v)", f10, f1)
	}
}

func TestRateBucketMonotonic(t *testing.T) {
	if RateBucket(0) != 0 {
		t.Error("RateBucket(0) should be bucket 0")
	}
	lo := RateBucket(1e-6)
	hi := RateBucket(1.0)
	if !(lo < hi) {
		t.Errorf("RateBucket should increase with rate: lo=%d hi=%d", lo, hi)
	}
}

func TestFactorNearOneForTinyRate(t *testing.T) {
	l := New()
	if f := l.FactorForRate(0.0001, 0); f < 0.99 {
		t.Errorf("near-zero rate at t=0 should be close to 1.0, got %v", f)
	}
}
