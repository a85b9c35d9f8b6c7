// Package substrate wires the Lineage Arena, Bond Graph, Cortex, and
// Synapse Engine together behind the documented lock order (spec.md §5:
// bonds shared before arena exclusive, cortex innermost), and runs the
// periodic GC tick that drives lineage viability and retention.
package substrate

import (
	"gonum.org/v1/gonum/floats"

	"github.com/mindfry/mindfry/pkg/arena"
	"github.com/mindfry/mindfry/pkg/cortex"
	"github.com/mindfry/mindfry/pkg/decay"
	"github.com/mindfry/mindfry/pkg/graph"
	"github.com/mindfry/mindfry/pkg/mferr"
	"github.com/mindfry/mindfry/pkg/setun"
	"github.com/mindfry/mindfry/pkg/synapse"
)

// Substrate is the live cognitive state of one process.
type Substrate struct {
	Arena      *arena.Arena
	Graph      *graph.Graph
	Cortex     *cortex.Cortex
	LUT        *decay.LUT
	SynapseCfg synapse.Config
}

// Config bundles the construction-time parameters for New.
type Config struct {
	Capacity        int
	MaxBondsPerNode int
	PruneFloor      float32
	Personality     setun.Octet
	SynapseCfg      synapse.Config
}

// New builds a fresh substrate sharing one decay LUT across the arena and
// the bond graph.
func New(cfg Config) *Substrate {
	lut := decay.New()
	return &Substrate{
		Arena:      arena.New(cfg.Capacity, lut),
		Graph:      graph.New(lut, cfg.MaxBondsPerNode, cfg.PruneFloor),
		Cortex:     cortex.New(cfg.Personality),
		LUT:        lut,
		SynapseCfg: cfg.SynapseCfg,
	}
}

// CreateLineage allocates a new lineage.
func (s *Substrate) CreateLineage(key string, energy, threshold float32, decayRate float64) (uint32, error) {
	s.Arena.Lock()
	defer s.Arena.Unlock()
	return s.Arena.Create(key, energy, threshold, decayRate)
}

// Connect creates a bond between two existing lineages, validating that
// both endpoints are live before the bond graph accepts the edge. Lock
// order: bond graph first, then the arena read lock, matching the
// package-documented order so Connect can never deadlock against a
// concurrent GC tick or Stimulate call.
func (s *Substrate) Connect(from, to uint32, strength float32, polarity setun.Trit, directional bool, decayRate float64) (uint32, error) {
	s.Graph.Lock()
	defer s.Graph.Unlock()
	s.Arena.RLock()
	_, fromOK := s.Arena.Get(from)
	_, toOK := s.Arena.Get(to)
	s.Arena.RUnlock()
	if fromOK != nil || toOK != nil {
		return 0, mferr.NotFound("substrate.Connect")
	}
	return s.Graph.Connect(from, to, strength, polarity, directional, decayRate)
}

// StimulateDirect applies an energy delta to a lineage with no propagation,
// taking the arena write lock and restoring the lineage out of the
// retention buffer immediately if it was buffered (spec.md §4.D's
// "Buffered -> Live (on stimulate)" transition fires on any stimulate, not
// only one that also propagates). Used for NO_PROPAGATE stimulates and the
// handler's observer-effect bump; Stimulate repeats the same restore inline.
func (s *Substrate) StimulateDirect(source uint32, delta float32) (arena.View, error) {
	s.Arena.Lock()
	defer s.Arena.Unlock()

	view, err := s.Arena.Stimulate(source, delta)
	if err != nil {
		return arena.View{}, err
	}
	s.Cortex.Lock()
	s.Cortex.Retention().Restore(source)
	s.Cortex.Unlock()
	return view, nil
}

// Stimulate applies a direct energy delta to source and propagates it
// through the bond graph via the Synapse Engine. Unlike StimulateDirect, it
// must hold the arena write lock across both the direct update and the
// propagation walk (spec.md §5: propagation is linearised with the
// source's own stimulate), so it cannot simply call StimulateDirect and
// release the lock in between.
func (s *Substrate) Stimulate(source uint32, delta float32) (arena.View, int, error) {
	s.Graph.RLock()
	defer s.Graph.RUnlock()
	s.Arena.Lock()
	defer s.Arena.Unlock()

	view, err := s.Arena.Stimulate(source, delta)
	if err != nil {
		return arena.View{}, 0, err
	}
	s.Cortex.Lock()
	s.Cortex.Retention().Restore(source)
	s.Cortex.Unlock()

	affected := synapse.Propagate(s.Arena, s.Graph, source, delta, s.SynapseCfg)
	return view, affected, nil
}

// LoadMetrics computes the stability layer's two exhaustion-pressure
// signals in one arena sweep: mean derived energy across live lineages and
// the fraction of arena capacity currently occupied (spec.md §4.I).
func (s *Substrate) LoadMetrics() (meanEnergy float64, capacityFraction float64) {
	s.Arena.RLock()
	defer s.Arena.RUnlock()

	if cap := s.Arena.Capacity(); cap > 0 {
		capacityFraction = float64(s.Arena.Len()) / float64(cap)
	}
	energies := make([]float64, 0, s.Arena.Len())
	s.Arena.ForEachLive(func(v arena.View) {
		energies = append(energies, float64(v.DerivedEnergy))
	})
	if len(energies) == 0 {
		return 0, capacityFraction
	}
	return floats.Sum(energies) / float64(len(energies)), capacityFraction
}

// GCStats summarises one GC tick.
type GCStats struct {
	Scanned   int
	Stable    int
	Unstable  int
	Obsolete  int
	Archived  int
	Restored  int
	Pruned    int
}

// GCTick runs one pass of the decay/retention protocol (spec.md §4.D):
// classify every live lineage's viability, tick or restore its retention
// buffer entry accordingly, archive lineages whose retention TTL has
// elapsed, then prune decayed bonds. Lock order: graph, then arena, then
// cortex — innermost lock guards the retention buffer, which the GC tick,
// the stimulate paths and the command handler's filter path touch.
func (s *Substrate) GCTick() GCStats {
	s.Graph.Lock()
	defer s.Graph.Unlock()
	s.Arena.Lock()
	defer s.Arena.Unlock()
	s.Cortex.Lock()
	defer s.Cortex.Unlock()

	var stats GCStats
	var toArchive []uint32

	s.Arena.ForEachLiveChunked(decay.SweepChunkSize(), func(v arena.View) {
		stats.Scanned++
		viability := s.Cortex.Viability(v.DerivedEnergy, v.Threshold)
		switch viability {
		case cortex.Stable:
			stats.Stable++
			if s.Cortex.Retention().Contains(v.Index) {
				s.Cortex.Retention().Restore(v.Index)
				stats.Restored++
			}
		case cortex.Unstable:
			// Unstable holds: it neither restores a buffered entry nor
			// starts accruing archival ticks. Only Obsolete buffers.
			stats.Unstable++
		default: // Obsolete
			stats.Obsolete++
			if s.Cortex.Retention().MarkOrTick(v.Index) {
				toArchive = append(toArchive, v.Index)
			}
		}
	})

	for _, idx := range toArchive {
		s.Arena.Forget(idx)
		s.Graph.RemoveNode(idx)
		stats.Archived++
	}

	stats.Pruned = s.Graph.Prune()
	return stats
}
