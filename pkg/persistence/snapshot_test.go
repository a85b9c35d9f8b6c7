package persistence

import "testing"

func TestEncodeDecodeSnapshotRoundTrip(t *testing.T) {
	data := SnapshotData{
		Lineages: []LineageRecord{{Index: 0, Key: "A", BaseEnergy: 0.5, Threshold: 0.3}},
		Bonds:    []BondRecord{{From: 0, To: 1, Strength: 0.8, Polarity: 1}},
		Cortex:   CortexRecord{Mood: 0.2, RetentionTTL: map[uint32]int{}},
	}

	raw, err := EncodeSnapshot(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Lineages) != 1 || got.Lineages[0].Key != "A" {
		t.Errorf("lineages round-trip mismatch: %+v", got.Lineages)
	}
	if len(got.Bonds) != 1 || got.Bonds[0].From != 0 {
		t.Errorf("bonds round-trip mismatch: %+v", got.Bonds)
	}
	if got.Cortex.Mood != 0.2 {
		t.Errorf("cortex mood = %v, want 0.2", got.Cortex.Mood)
	}
}

func TestDecodeSnapshotRejectsBadMagic(t *testing.T) {
	bad := make([]byte, 20)
	if _, err := DecodeSnapshot(bad); err != ErrBadMagic {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}
