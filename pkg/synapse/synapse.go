// Package synapse implements the Synapse Engine: damped, bounded-depth
// propagation over the bond graph via an explicit work queue (no
// recursion, per spec.md §9).
package synapse

import (
	"sort"

	"github.com/mindfry/mindfry/pkg/arena"
	"github.com/mindfry/mindfry/pkg/graph"
)

// Config tunes the damping law. Defaults match spec.md §4.E.
type Config struct {
	Resistance float32 // R, damping per hop
	Cutoff     float32 // C, branch termination floor
	MaxDepth   int     // D, maximum bond-hop depth
}

// DefaultConfig returns R=0.5, C=0.1, D=3.
func DefaultConfig() Config {
	return Config{Resistance: 0.5, Cutoff: 0.1, MaxDepth: 3}
}

type queueItem struct {
	index     uint32
	prevDelta float32
	depth     int
}

// Propagate walks outward from source, applying the damping law at each
// hop: Δ = prevDelta * R * strength * polarity. Source itself is not
// re-stimulated here — the caller (command handler) already applied the
// direct stimulate before invoking Propagate. Callers must hold the arena
// write lock and the graph read lock for the duration of the call, per
// spec.md §5.
func Propagate(a *arena.Arena, g *graph.Graph, source uint32, delta float32, cfg Config) int {
	visited := map[uint32]bool{source: true}
	queue := []queueItem{{index: source, prevDelta: delta, depth: 0}}
	affected := 0

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= cfg.MaxDepth {
			continue
		}

		neighbors := g.Neighbors(cur.index)
		sort.Slice(neighbors, func(i, j int) bool {
			return neighbors[i].DerivedStrength > neighbors[j].DerivedStrength
		})

		for _, n := range neighbors {
			if visited[n.Other] {
				continue
			}
			delta := cur.prevDelta * cfg.Resistance * n.DerivedStrength * float32(n.Polarity.Weight())
			if abs32(delta) < cfg.Cutoff {
				continue
			}
			before, err := a.Get(n.Other)
			if err != nil {
				continue
			}
			after, err := a.Stimulate(n.Other, delta)
			if err != nil {
				continue
			}
			visited[n.Other] = true
			affected++
			// Queue the delta actually absorbed, not the nominal
			// pre-clamp value: a neighbor saturated at 0 or 1 must not
			// propagate more than it really moved.
			applied := after.DerivedEnergy - before.DerivedEnergy
			queue = append(queue, queueItem{index: n.Other, prevDelta: applied, depth: cur.depth + 1})
		}
	}

	return affected
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
