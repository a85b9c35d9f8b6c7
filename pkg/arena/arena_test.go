package arena

import (
	"testing"

	"github.com/mindfry/mindfry/pkg/decay"
	"github.com/mindfry/mindfry/pkg/mferr"
)

func newTestArena(capacity int) *Arena {
	return New(capacity, decay.New())
}

func TestCreateConflict(t *testing.T) {
	a := newTestArena(10)
	if _, err := a.Create("k", 0.5, 0.5, 0.1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := a.Create("k", 0.5, 0.5, 0.1)
	if mferr.KindOf(err) != mferr.KindConflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestCreateExhausted(t *testing.T) {
	a := newTestArena(1)
	if _, err := a.Create("a", 0.1, 0.5, 0.1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := a.Create("b", 0.1, 0.5, 0.1)
	if mferr.KindOf(err) != mferr.KindExhausted {
		t.Fatalf("expected Exhausted, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	a := newTestArena(10)
	_, err := a.Get(99)
	if mferr.KindOf(err) != mferr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStimulateRaisesEnergyMonotonically(t *testing.T) {
	a := newTestArena(10)
	idx, _ := a.Create("k", 0.1, 0.5, 0.1)
	before, _ := a.Get(idx)
	v, err := a.Stimulate(idx, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.DerivedEnergy < before.DerivedEnergy {
		t.Errorf("stimulate with positive delta should not lower energy: before=%v after=%v", before.DerivedEnergy, v.DerivedEnergy)
	}
}

func TestEnergyClampedToUnitInterval(t *testing.T) {
	a := newTestArena(10)
	idx, _ := a.Create("k", 0.9, 0.5, 0.1)
	v, _ := a.Stimulate(idx, 5.0)
	if v.BaseEnergy > 1.0 {
		t.Errorf("base energy should clamp to 1.0, got %v", v.BaseEnergy)
	}
	v2, _ := a.Stimulate(idx, -5.0)
	if v2.BaseEnergy < 0 {
		t.Errorf("base energy should clamp to 0, got %v", v2.BaseEnergy)
	}
}

func TestForgetThenReuseSlot(t *testing.T) {
	a := newTestArena(1)
	idx, _ := a.Create("a", 0.1, 0.5, 0.1)
	if err := a.Forget(idx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := a.Lookup("a"); ok {
		t.Error("forgotten key should not resolve")
	}
	idx2, err := a.Create("b", 0.2, 0.5, 0.1)
	if err != nil {
		t.Fatalf("expected slot reuse to succeed: %v", err)
	}
	if idx2 != idx {
		t.Errorf("expected reclaimed slot %d, got %d", idx, idx2)
	}
}

func TestTopKConsciousOrderingAndCache(t *testing.T) {
	a := newTestArena(10)
	lo, _ := a.Create("lo", 0.2, 0.1, 0)
	hi, _ := a.Create("hi", 0.9, 0.1, 0)
	result := a.TopKConscious(10, 0)
	if len(result) != 2 || result[0] != hi || result[1] != lo {
		t.Errorf("expected [hi, lo] by descending energy, got %v", result)
	}
	// Cached result should be reused until a mutation invalidates it.
	cached := a.TopKConscious(10, 0)
	if len(cached) != 2 {
		t.Errorf("cached result changed shape: %v", cached)
	}
	a.Stimulate(lo, 0.9)
	after := a.TopKConscious(10, 0)
	if after[0] != lo {
		t.Errorf("expected lo to rank first after stimulation, got %v", after)
	}
}
