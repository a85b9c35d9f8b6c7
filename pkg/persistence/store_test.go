package persistence

import (
	"path/filepath"
	"testing"
)

func TestStoreSnapshotRoundTripsAndTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "mf"), DefaultDurabilityConfig())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	if err := s.LogMutation("stimulate", []byte("payload")); err != nil {
		t.Fatalf("log mutation: %v", err)
	}

	data := SnapshotData{Lineages: []LineageRecord{{Index: 0, Key: "A"}}, Cortex: CortexRecord{RetentionTTL: map[uint32]int{}}}
	if err := s.WriteSnapshot(data); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	loaded, ok, err := s.LoadSnapshot()
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	if len(loaded.Lineages) != 1 || loaded.Lineages[0].Key != "A" {
		t.Errorf("loaded snapshot mismatch: %+v", loaded.Lineages)
	}

	applied, err := s.ReplayWAL(func(op string, payload []byte) error { return nil })
	if err != nil {
		t.Fatalf("replay wal: %v", err)
	}
	if applied != 0 {
		t.Errorf("expected WAL truncated after checkpoint, got %d records", applied)
	}
}

func TestShutdownMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "mf"), DefaultDurabilityConfig())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	if err := s.WriteShutdownMarker(true); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	marker, ok, err := s.ReadShutdownMarker()
	if err != nil || !ok {
		t.Fatalf("read marker: ok=%v err=%v", ok, err)
	}
	if !marker.Clean {
		t.Error("expected clean=true")
	}
}
