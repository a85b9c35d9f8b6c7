// Package graph implements the Bond Graph: adjacency lists keyed by
// lineage index, with polarised, decaying bond strength.
package graph

import (
	"sync"
	"time"

	"github.com/mindfry/mindfry/pkg/decay"
	"github.com/mindfry/mindfry/pkg/mferr"
	"github.com/mindfry/mindfry/pkg/setun"
)

// DefaultMaxBondsPerNode is the default density cap on a lineage's
// adjacency size.
const DefaultMaxBondsPerNode = 20

// DefaultPruneFloor is the derived-strength floor below which a bond is
// pruned automatically.
const DefaultPruneFloor = 0.01

// HebbianGain is the multiplicative strengthening factor applied by
// Reinforce.
const HebbianGain = 0.2

// Bond is a living, polarised edge between two lineage indices.
type Bond struct {
	From, To    uint32
	Directional bool
	Strength    float32
	Cost        float32
	Polarity    setun.Trit
	DecayRate   float64
	decayBucket uint8
	LastTouchMs int64
	active      bool
}

// Neighbor describes one edge reached from a given lineage.
type Neighbor struct {
	BondIndex       uint32
	Other           uint32
	Polarity        setun.Trit
	DerivedStrength float32
}

type pairKey struct{ from, to uint32 }

// Graph is the bond adjacency store. Exported Lock/Unlock/RLock/RUnlock
// follow the same shared-lock idiom as arena.Arena; callers take bonds
// shared before arena exclusive, per spec.md §5's documented lock order.
type Graph struct {
	mu sync.RWMutex

	epoch time.Time
	lut   *decay.LUT

	maxBondsPerNode int
	pruneFloor      float32

	bonds     []Bond
	adjacency map[uint32][]uint32 // lineage index -> incident bond indices
	pairs     map[pairKey]uint32  // ordered (from,to) -> bond index
}

// New creates a bond graph sharing the given decay LUT.
func New(lut *decay.LUT, maxBondsPerNode int, pruneFloor float32) *Graph {
	if maxBondsPerNode <= 0 {
		maxBondsPerNode = DefaultMaxBondsPerNode
	}
	if pruneFloor <= 0 {
		pruneFloor = DefaultPruneFloor
	}
	return &Graph{
		epoch:           time.Now(),
		lut:             lut,
		maxBondsPerNode: maxBondsPerNode,
		pruneFloor:      pruneFloor,
		adjacency:       make(map[uint32][]uint32),
		pairs:           make(map[pairKey]uint32),
	}
}

func (g *Graph) Lock()    { g.mu.Lock() }
func (g *Graph) Unlock()  { g.mu.Unlock() }
func (g *Graph) RLock()   { g.mu.RLock() }
func (g *Graph) RUnlock() { g.mu.RUnlock() }

func (g *Graph) nowMs() int64 { return time.Since(g.epoch).Milliseconds() }

// EpochUnixMilli returns this graph's epoch as Unix milliseconds, for
// rebasing a stored last_touch_ms across a restart (see
// pkg/persistence/bridge.go), the same role Arena.EpochUnixMilli plays for
// lineages.
func (g *Graph) EpochUnixMilli() int64 { return g.epoch.UnixMilli() }

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (g *Graph) degree(idx uint32) int { return len(g.adjacency[idx]) }

// Connect creates a bond from->to. Endpoint existence must already be
// validated by the caller (the substrate layer, which holds the arena
// lock); Graph itself only knows lineage indices, not liveness.
func (g *Graph) Connect(from, to uint32, strength float32, polarity setun.Trit, directional bool, decayRate float64) (uint32, error) {
	key := pairKey{from, to}
	if _, exists := g.pairs[key]; exists {
		return 0, mferr.Conflict("graph.Connect")
	}
	if g.degree(from) >= g.maxBondsPerNode {
		return 0, mferr.DensityCap("graph.Connect")
	}
	if !directional && g.degree(to) >= g.maxBondsPerNode {
		return 0, mferr.DensityCap("graph.Connect")
	}

	b := Bond{
		From:        from,
		To:          to,
		Directional: directional,
		Strength:    clamp01(strength),
		Polarity:    polarity,
		DecayRate:   decayRate,
		decayBucket: decay.RateBucket(decayRate),
		LastTouchMs: g.nowMs(),
		active:      true,
	}
	idx := uint32(len(g.bonds))
	g.bonds = append(g.bonds, b)
	g.adjacency[from] = append(g.adjacency[from], idx)
	g.pairs[key] = idx
	if !directional {
		g.adjacency[to] = append(g.adjacency[to], idx)
		g.pairs[pairKey{to, from}] = idx
	}
	return idx, nil
}

// RestoreBond installs a bond with an explicit last_touch instead of
// stamping "now" the way Connect does. Used only by the persistence
// adapter when replaying a snapshot, so a restored bond's derived strength
// keeps decaying from its true last touch rather than resetting on
// restart.
func (g *Graph) RestoreBond(from, to uint32, strength float32, polarity setun.Trit, directional bool, decayRate float64, lastTouchMs int64) (uint32, error) {
	key := pairKey{from, to}
	if _, exists := g.pairs[key]; exists {
		return 0, mferr.Conflict("graph.RestoreBond")
	}
	if g.degree(from) >= g.maxBondsPerNode {
		return 0, mferr.DensityCap("graph.RestoreBond")
	}
	if !directional && g.degree(to) >= g.maxBondsPerNode {
		return 0, mferr.DensityCap("graph.RestoreBond")
	}

	b := Bond{
		From:        from,
		To:          to,
		Directional: directional,
		Strength:    clamp01(strength),
		Polarity:    polarity,
		DecayRate:   decayRate,
		decayBucket: decay.RateBucket(decayRate),
		LastTouchMs: lastTouchMs,
		active:      true,
	}
	idx := uint32(len(g.bonds))
	g.bonds = append(g.bonds, b)
	g.adjacency[from] = append(g.adjacency[from], idx)
	g.pairs[key] = idx
	if !directional {
		g.adjacency[to] = append(g.adjacency[to], idx)
		g.pairs[pairKey{to, from}] = idx
	}
	return idx, nil
}

// Reinforce multiplies a bond's strength by (1+HebbianGain), capped at 1.0,
// and resets last_touch.
func (g *Graph) Reinforce(from, to uint32) (float32, error) {
	idx, ok := g.pairs[pairKey{from, to}]
	if !ok {
		return 0, mferr.NotFound("graph.Reinforce")
	}
	b := &g.bonds[idx]
	b.Strength = clamp01(b.Strength * (1 + HebbianGain))
	b.LastTouchMs = g.nowMs()
	return b.Strength, nil
}

// Sever removes the bond between from and to (both directions for an
// undirected bond).
func (g *Graph) Sever(from, to uint32) error {
	idx, ok := g.pairs[pairKey{from, to}]
	if !ok {
		return mferr.NotFound("graph.Sever")
	}
	g.removeBond(idx)
	return nil
}

func (g *Graph) removeBond(idx uint32) {
	b := g.bonds[idx]
	b.active = false
	g.bonds[idx] = b
	delete(g.pairs, pairKey{b.From, b.To})
	g.adjacency[b.From] = removeValue(g.adjacency[b.From], idx)
	if !b.Directional {
		delete(g.pairs, pairKey{b.To, b.From})
		g.adjacency[b.To] = removeValue(g.adjacency[b.To], idx)
	}
}

func removeValue(s []uint32, v uint32) []uint32 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (g *Graph) derivedStrength(b *Bond) float32 {
	elapsed := float64(g.nowMs()-b.LastTouchMs) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	factor := g.lut.Factor(b.decayBucket, elapsed)
	return clamp01(b.Strength * factor)
}

// Neighbors returns the neighbours reachable from idx.
func (g *Graph) Neighbors(idx uint32) []Neighbor {
	ids := g.adjacency[idx]
	result := make([]Neighbor, 0, len(ids))
	for _, bondIdx := range ids {
		b := g.bonds[bondIdx]
		if !b.active {
			continue
		}
		other := b.To
		if other == idx {
			other = b.From
		}
		result = append(result, Neighbor{
			BondIndex:       bondIdx,
			Other:           other,
			Polarity:        b.Polarity,
			DerivedStrength: g.derivedStrength(&b),
		})
	}
	return result
}

// Degree reports the current out-degree (adjacency size) of idx, for
// density-cap property tests.
func (g *Graph) Degree(idx uint32) int { return g.degree(idx) }

// Prune removes bonds whose derived strength has fallen below the prune
// floor. Returns the number of bonds removed.
func (g *Graph) Prune() int {
	pruned := 0
	for idx := range g.bonds {
		b := &g.bonds[idx]
		if !b.active {
			continue
		}
		if g.derivedStrength(b) < g.pruneFloor {
			g.removeBond(uint32(idx))
			pruned++
		}
	}
	return pruned
}

// BondCount returns the number of currently active bonds.
func (g *Graph) BondCount() int {
	n := 0
	for _, b := range g.bonds {
		if b.active {
			n++
		}
	}
	return n
}

// ForEachActive calls fn with every currently active bond, for snapshot
// encoding. Must be called under at least a read lock.
func (g *Graph) ForEachActive(fn func(Bond)) {
	for _, b := range g.bonds {
		if b.active {
			fn(b)
		}
	}
}

// RemoveNode severs every bond incident on idx. Called by the GC tick when
// a lineage is forgotten, so no bond is left dangling on a dead index.
func (g *Graph) RemoveNode(idx uint32) int {
	removed := 0
	for _, bondIdx := range append([]uint32(nil), g.adjacency[idx]...) {
		b := g.bonds[bondIdx]
		if !b.active {
			continue
		}
		g.removeBond(bondIdx)
		removed++
	}
	delete(g.adjacency, idx)
	return removed
}
