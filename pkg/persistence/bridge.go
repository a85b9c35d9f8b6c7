package persistence

import (
	"github.com/mindfry/mindfry/pkg/arena"
	"github.com/mindfry/mindfry/pkg/graph"
	"github.com/mindfry/mindfry/pkg/setun"
	"github.com/mindfry/mindfry/pkg/substrate"
)

// Capture builds a SnapshotData from a substrate's live state. Takes the
// read side of the documented lock order (graph, then arena, then cortex)
// so it can run concurrently with reads but never with a GC tick or a
// mutation.
func Capture(s *substrate.Substrate) SnapshotData {
	s.Graph.RLock()
	defer s.Graph.RUnlock()
	s.Arena.RLock()
	defer s.Arena.RUnlock()
	s.Cortex.RLock()
	defer s.Cortex.RUnlock()

	var data SnapshotData

	// LastTouchMs in the arena/graph is milliseconds since that store's
	// process-local epoch, which resets on every restart and so is not
	// portable. Rebase it to an absolute Unix-millisecond timestamp for
	// the wire, and rebase back on Restore (spec.md's "last_touch is
	// preserved" round-trip invariant).
	arenaEpochMs := s.Arena.EpochUnixMilli()
	graphEpochMs := s.Graph.EpochUnixMilli()

	s.Arena.ForEachLive(func(v arena.View) {
		data.Lineages = append(data.Lineages, LineageRecord{
			Index:       v.Index,
			Key:         v.Key,
			BaseEnergy:  v.BaseEnergy,
			Threshold:   v.Threshold,
			DecayRate:   v.DecayRate,
			LastTouchMs: arenaEpochMs + v.LastTouchMs,
			AccessCount: v.AccessCount,
			Flags:       v.Flags,
		})
	})

	s.Graph.ForEachActive(func(b graph.Bond) {
		data.Bonds = append(data.Bonds, BondRecord{
			From:        b.From,
			To:          b.To,
			Directional: b.Directional,
			Strength:    b.Strength,
			Polarity:    int8(b.Polarity),
			DecayRate:   b.DecayRate,
			LastTouchMs: graphEpochMs + b.LastTouchMs,
		})
	})

	ttl := make(map[uint32]int)
	// RetentionBuffer doesn't expose its internal map directly; the GC
	// tick and filter path only need Contains/MarkOrTick/Restore, so the
	// snapshot just records which indices are currently buffered (the stored
	// value is 0, not each one's exact remaining count), and Restore re-marks
	// each at a full fresh TTL. A
	// lineage mid-countdown at shutdown restarts its countdown on
	// restore, which only delays eventual archival by a tick or two.
	s.Arena.ForEachLive(func(v arena.View) {
		if s.Cortex.Retention().Contains(v.Index) {
			ttl[v.Index] = 0
		}
	})

	data.Cortex = CortexRecord{
		Personality:  s.Cortex.Personality().Pack(),
		Mood:         s.Cortex.Mood(),
		RetentionTTL: ttl,
	}
	return data
}

// Restore rebuilds a substrate's lineages, bonds, and cortex state from a
// decoded snapshot. The substrate must be freshly constructed (empty
// arena/graph) before calling Restore, since lineage indices are pinned
// directly from the snapshot records.
func Restore(s *substrate.Substrate, data SnapshotData) error {
	arenaEpochMs := s.Arena.EpochUnixMilli()
	s.Arena.Lock()
	for _, l := range data.Lineages {
		if err := s.Arena.RestoreSlot(l.Index, l.Key, l.BaseEnergy, l.Threshold, l.DecayRate, l.LastTouchMs-arenaEpochMs, l.AccessCount, l.Flags); err != nil {
			s.Arena.Unlock()
			return err
		}
	}
	s.Arena.Unlock()

	graphEpochMs := s.Graph.EpochUnixMilli()
	s.Graph.Lock()
	for _, b := range data.Bonds {
		if _, err := s.Graph.RestoreBond(b.From, b.To, b.Strength, setun.Trit(b.Polarity), b.Directional, b.DecayRate, b.LastTouchMs-graphEpochMs); err != nil {
			s.Graph.Unlock()
			return err
		}
	}
	s.Graph.Unlock()

	s.Cortex.Lock()
	s.Cortex.SetMood(data.Cortex.Mood)
	for idx := range data.Cortex.RetentionTTL {
		s.Cortex.Retention().MarkOrTick(idx)
	}
	s.Cortex.Unlock()
	return nil
}
