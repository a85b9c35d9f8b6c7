// Package cortex implements the ternary decision layer: personality, mood,
// consciousness classification, and the read-path filter policy.
package cortex

import (
	"sync"

	"github.com/mindfry/mindfry/pkg/decay"
	"github.com/mindfry/mindfry/pkg/setun"
)

// Viability is the trit the GC tick uses to classify a lineage.
type Viability = setun.Trit

const (
	Stable   Viability = setun.True
	Unstable Viability = setun.Unknown
	Obsolete Viability = setun.False
)

// Consciousness is the state exposed for a lineage on read.
type Consciousness int

const (
	Dormant Consciousness = iota - 1
	Dreaming
	Lucid
)

func (c Consciousness) String() string {
	switch c {
	case Lucid:
		return "Lucid"
	case Dreaming:
		return "Dreaming"
	default:
		return "Dormant"
	}
}

// FilterResult is the outcome of the read-path filter policy.
type FilterResult int

const (
	Found FilterResult = iota
	Repressed
	DormantFiltered
)

// amplificationBase and the lucid threshold are taken literally from
// spec.md §4.F ("amplification base is 5.0", "> 0.03 => Lucid").
const (
	amplificationBase = 5.0
	lucidThreshold    = 0.03
)

// Cortex is the process-wide cognitive state: an immutable personality, a
// drifting mood, and the retention buffer (spec.md places retention_buffer
// in the Cortex's data; it is mutated under this struct's write lock per
// spec.md §5).
type Cortex struct {
	mu sync.RWMutex

	personality setun.Octet
	mood        float64
	quantizer   setun.Quantizer
	retention   *decay.RetentionBuffer
}

// New creates a cortex with the given genesis personality. Mood starts at
// 0; callers apply a recovery bias afterward via SetMood.
func New(personality setun.Octet) *Cortex {
	return &Cortex{
		personality: personality,
		quantizer:   setun.DefaultQuantizer(),
		retention:   decay.NewRetentionBuffer(),
	}
}

func (c *Cortex) Lock()    { c.mu.Lock() }
func (c *Cortex) Unlock()  { c.mu.Unlock() }
func (c *Cortex) RLock()   { c.mu.RLock() }
func (c *Cortex) RUnlock() { c.mu.RUnlock() }

// Personality returns the immutable genesis personality.
func (c *Cortex) Personality() setun.Octet { return c.personality }

// Mood returns the current mood, in [-1, 1].
func (c *Cortex) Mood() float64 { return c.mood }

// SetMood overrides mood directly (the SysMoodSet operation). Must be
// called under write lock; callers should also invalidate any arena top-K
// cache since consciousness classification depends on mood.
func (c *Cortex) SetMood(mood float64) {
	if mood > 1 {
		mood = 1
	}
	if mood < -1 {
		mood = -1
	}
	c.mood = mood
}

// Retention exposes the retention buffer for the GC tick. Must only be
// mutated while the cortex write lock is held.
func (c *Cortex) Retention() *decay.RetentionBuffer { return c.retention }

// ConsciousnessState classifies a lineage from its derived energy and
// threshold. Amplification scales with mood per spec.md §4.F: "scaled by
// 1 + 0.5*mood" so high mood surfaces more memories as Lucid.
func (c *Cortex) ConsciousnessState(derivedEnergy, threshold float32) Consciousness {
	amp := amplificationBase * (1 + 0.5*c.mood)
	value := amp * float64(derivedEnergy-threshold)
	if value > 1 {
		value = 1
	}
	if value < -1 {
		value = -1
	}
	switch {
	case value > lucidThreshold:
		return Lucid
	case value > 0:
		return Dreaming
	default:
		return Dormant
	}
}

// Decide delegates to the mood-shifted Quantizer.
func (c *Cortex) Decide(value float64) setun.Trit {
	return c.quantizer.Quantize(value, c.mood)
}

// Evaluate computes resonance(personality, event) and quantizes it.
func (c *Cortex) Evaluate(event setun.Octet) setun.Trit {
	return c.Decide(c.personality.Resonance(event))
}

// PreservationBias returns the GC margin half-width, Preservation·0.1 per
// spec.md §9's resolved open question.
func (c *Cortex) PreservationBias() float64 {
	return float64(c.personality.Get(setun.Preservation).Weight()) * 0.1
}

// Viability classifies a lineage for the GC tick: Stable if derived energy
// >= threshold, Unstable in the Preservation-modulated margin below
// threshold (see PreservationBias), Obsolete otherwise.
func (c *Cortex) Viability(derivedEnergy, threshold float32) Viability {
	margin := c.PreservationBias()
	if margin < 0 {
		margin = -margin
	}
	lower := float64(threshold) * (1 - margin)
	e := float64(derivedEnergy)
	switch {
	case e >= float64(threshold):
		return Stable
	case e >= lower:
		return Unstable
	default:
		return Obsolete
	}
}

// Filter flags controlling the read-path policy, mirrored from the wire
// protocol's query flag byte (spec.md §6).
const (
	FlagBypassFilters     uint8 = 0x01
	FlagIncludeRepressed  uint8 = 0x02
	FlagNoSideEffects     uint8 = 0x04
	FlagForensic          uint8 = FlagBypassFilters | FlagIncludeRepressed | FlagNoSideEffects
)

// FilterPolicy applies the read-path filter: Repressed if evaluate(event)
// is negative and BYPASS_FILTERS is not set; Dormant (filtered) if the
// lineage is buffered for retention and INCLUDE_REPRESSED is not set;
// otherwise Found.
func (c *Cortex) FilterPolicy(event setun.Octet, index uint32, flags uint8) FilterResult {
	if flags&FlagBypassFilters == 0 && c.Evaluate(event) == setun.False {
		return Repressed
	}
	if flags&FlagIncludeRepressed == 0 && c.retention.Contains(index) {
		return DormantFiltered
	}
	return Found
}
