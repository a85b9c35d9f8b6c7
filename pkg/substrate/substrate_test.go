package substrate

import (
	"testing"

	"github.com/mindfry/mindfry/pkg/setun"
	"github.com/mindfry/mindfry/pkg/synapse"
)

func newTestSubstrate(t *testing.T) *Substrate {
	t.Helper()
	return New(Config{
		Capacity:        10,
		MaxBondsPerNode: 5,
		PruneFloor:      0.01,
		Personality:     setun.Neutral(),
		SynapseCfg:      synapse.DefaultConfig(),
	})
}

func TestConnectRejectsUnknownEndpoint(t *testing.T) {
	s := newTestSubstrate(t)
	idxA, _ := s.CreateLineage("A", 0.5, 0.3, 0)
	if _, err := s.Connect(idxA, 999, 1.0, setun.True, true, 0); err == nil {
		t.Error("expected error connecting to an unknown lineage")
	}
}

func TestStimulatePropagatesThroughGraph(t *testing.T) {
	s := newTestSubstrate(t)
	idxA, _ := s.CreateLineage("A", 0.1, 0.5, 0)
	idxB, _ := s.CreateLineage("B", 0.1, 0.5, 0)
	if _, err := s.Connect(idxA, idxB, 1.0, setun.True, true, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, affected, err := s.Stimulate(idxA, 0.9)
	if err != nil {
		t.Fatalf("stimulate: %v", err)
	}
	if affected != 1 {
		t.Errorf("expected B to be affected, got affected=%d", affected)
	}
}

func TestGCTickArchivesAfterRetentionExpires(t *testing.T) {
	s := newTestSubstrate(t)
	idx, _ := s.CreateLineage("obsolete", 0.0, 0.9, 0)

	var stats GCStats
	for i := 0; i < 10; i++ {
		stats = s.GCTick()
		if _, err := s.Arena.Get(idx); err != nil {
			break
		}
	}

	if _, err := s.Arena.Get(idx); err == nil {
		t.Error("lineage should have been archived after retention TTL elapsed")
	}
	if stats.Archived == 0 {
		t.Error("expected GCStats.Archived > 0 across the sweep")
	}
}

func TestGCTickRestoresRecoveredLineage(t *testing.T) {
	s := newTestSubstrate(t)
	idx, _ := s.CreateLineage("recovering", 0.0, 0.9, 0)

	s.GCTick()
	if !s.Cortex.Retention().Contains(idx) {
		t.Fatal("expected lineage to enter the retention buffer while obsolete")
	}

	s.Arena.Lock()
	s.Arena.Stimulate(idx, 0.95)
	s.Arena.Unlock()

	s.GCTick()
	if s.Cortex.Retention().Contains(idx) {
		t.Error("a recovered lineage should be restored out of the retention buffer")
	}
}
